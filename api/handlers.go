/*
handlers.go - HTTP API handlers for the course marketplace

PURPOSE:
  Exposes accounts, the catalog, enrollment and reporting via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  services.

ENDPOINTS:
  Users:
    POST   /api/users                      Create user (with starting balance)
    GET    /api/users/{id}                 Get user
    GET    /api/users/{id}/balance         Get balance
    GET    /api/users/{id}/subscriptions   List purchased courses

  Courses:
    GET    /api/courses                    List courses with statistics
    POST   /api/courses                    Create course
    GET    /api/courses/{id}               Get course with statistics
    PUT    /api/courses/{id}/availability  Open/close course for purchase
    POST   /api/courses/{id}/pay           Buy course as the acting user
    GET    /api/courses/{id}/lessons       List lessons
    POST   /api/courses/{id}/lessons       Add lesson
    GET    /api/courses/{id}/groups        List groups with user_count

  Groups:
    GET    /api/groups/{id}/members        List students in a group

  Admin:
    POST   /api/admin/users/{id}/credit    Top up a balance
    POST   /api/admin/placements/retry     Retry pending group placements now

ACTING USER:
  Authentication happens upstream. The identity provider forwards the
  authenticated user's ID in the X-User-ID header; /pay requires it.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, business rejections of a payment
  - 401: Missing X-User-ID on /pay
  - 404: Resource not found
  - 409: Email taken, balance changed concurrently
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status/code mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/course-market/accounts"
	"github.com/warp/course-market/catalog"
	"github.com/warp/course-market/enrollment"
	"github.com/warp/course-market/grouping"
	"github.com/warp/course-market/market"
	"github.com/warp/course-market/reporting"
)

// UserIDHeader carries the authenticated user's ID from the identity provider.
const UserIDHeader = "X-User-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      market.Store
	Accounts   *accounts.Service
	Catalog    *catalog.Service
	Enrollment *enrollment.Service
	Retrier    *grouping.Retrier
	Reports    *reporting.Reporter
	Log        *zap.Logger
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	user, balance, err := h.Accounts.CreateUser(r.Context(), accounts.NewUser{
		Email:     req.Email,
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeDomainError(w, "Failed to create user", err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateUserResponse{
		User:    toUserDTO(user),
		Balance: toBalanceDTO(balance),
	})
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUser(r.Context(), market.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Store.GetBalance(r.Context(), market.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(balance))
}

func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := market.UserID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetUser(r.Context(), userID); err != nil {
		writeDomainError(w, "Failed to get user", err)
		return
	}

	subs, err := h.Store.ListSubscriptions(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Failed to list subscriptions", err)
		return
	}

	dtos := make([]SubscriptionDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toSubscriptionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreditBalance tops up a user's balance (admin).
func (h *Handler) CreditBalance(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := market.ParseMoney(req.Amount)
	if err != nil {
		writeDomainError(w, "Invalid amount", err)
		return
	}

	balance, err := h.Accounts.Credit(r.Context(), market.UserID(chi.URLParam(r, "id")), amount)
	if err != nil {
		writeDomainError(w, "Failed to credit balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(balance))
}

// =============================================================================
// COURSE HANDLERS
// =============================================================================

// ListCourses returns courses open for purchase with their statistics.
// ?include_unavailable=true also lists closed courses.
func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	includeClosed, _ := strconv.ParseBool(r.URL.Query().Get("include_unavailable"))

	courses, err := h.Store.ListCourses(r.Context(), !includeClosed)
	if err != nil {
		writeDomainError(w, "Failed to list courses", err)
		return
	}

	ids := make([]market.CourseID, len(courses))
	for i, c := range courses {
		ids[i] = c.ID
	}
	stats, err := h.Reports.CatalogStats(r.Context(), ids)
	if err != nil {
		writeDomainError(w, "Failed to compute course statistics", err)
		return
	}

	dtos := make([]CourseDTO, len(courses))
	for i, c := range courses {
		dtos[i] = toCourseDTO(c, stats[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateCourse(w http.ResponseWriter, r *http.Request) {
	var req CreateCourseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	price, err := market.ParseMoney(req.Price)
	if err != nil {
		writeDomainError(w, "Invalid price", err)
		return
	}

	in := catalog.NewCourse{
		AuthorID:    market.UserID(req.AuthorID),
		Title:       req.Title,
		Price:       price,
		IsAvailable: true,
	}
	if req.IsAvailable != nil {
		in.IsAvailable = *req.IsAvailable
	}
	if req.StartDate != nil {
		in.StartDate = req.StartDate.UTC()
	}

	course, err := h.Catalog.CreateCourse(r.Context(), in)
	if err != nil {
		writeDomainError(w, "Failed to create course", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCourseDTO(course, reporting.CourseStats{CourseID: course.ID}))
}

func (h *Handler) GetCourse(w http.ResponseWriter, r *http.Request) {
	courseID := market.CourseID(chi.URLParam(r, "id"))

	course, err := h.Store.GetCourse(r.Context(), courseID)
	if err != nil {
		writeDomainError(w, "Failed to get course", err)
		return
	}
	stats, err := h.Reports.CourseStats(r.Context(), courseID)
	if err != nil {
		writeDomainError(w, "Failed to compute course statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, toCourseDTO(course, stats))
}

func (h *Handler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	courseID := market.CourseID(chi.URLParam(r, "id"))
	course, err := h.Catalog.SetAvailability(r.Context(), courseID, req.IsAvailable)
	if err != nil {
		writeDomainError(w, "Failed to update course", err)
		return
	}
	stats, err := h.Reports.CourseStats(r.Context(), courseID)
	if err != nil {
		writeDomainError(w, "Failed to compute course statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, toCourseDTO(course, stats))
}

// Pay buys the course for the acting user.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	userID := market.UserID(r.Header.Get(UserIDHeader))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error: "Authentication required",
			Code:  "unauthorized",
		})
		return
	}

	courseID := market.CourseID(chi.URLParam(r, "id"))
	sub, err := h.Enrollment.Enroll(r.Context(), userID, courseID)
	if err != nil {
		code := market.Code(err)
		if msg, ok := paymentMessages[code]; ok {
			writeJSON(w, http.StatusBadRequest, PaymentResponse{Detail: msg, Code: code})
			return
		}
		writeDomainError(w, "Failed to pay for course", err)
		return
	}

	writeJSON(w, http.StatusCreated, PaymentResponse{
		Detail:         paymentMessages[CodeSubscribed],
		Code:           CodeSubscribed,
		SubscriptionID: string(sub.ID),
	})
}

// =============================================================================
// LESSON HANDLERS
// =============================================================================

func (h *Handler) ListLessons(w http.ResponseWriter, r *http.Request) {
	courseID := market.CourseID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetCourse(r.Context(), courseID); err != nil {
		writeDomainError(w, "Failed to get course", err)
		return
	}

	lessons, err := h.Store.ListLessons(r.Context(), courseID)
	if err != nil {
		writeDomainError(w, "Failed to list lessons", err)
		return
	}

	dtos := make([]LessonDTO, len(lessons))
	for i, l := range lessons {
		dtos[i] = toLessonDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateLesson(w http.ResponseWriter, r *http.Request) {
	var req CreateLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	lesson, err := h.Catalog.CreateLesson(r.Context(), market.CourseID(chi.URLParam(r, "id")), catalog.NewLesson{
		Title: req.Title,
		Link:  req.Link,
	})
	if err != nil {
		writeDomainError(w, "Failed to create lesson", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLessonDTO(lesson))
}

// =============================================================================
// GROUP HANDLERS
// =============================================================================

func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	courseID := market.CourseID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetCourse(r.Context(), courseID); err != nil {
		writeDomainError(w, "Failed to get course", err)
		return
	}

	loads, err := h.Store.ListGroups(r.Context(), courseID)
	if err != nil {
		writeDomainError(w, "Failed to list groups", err)
		return
	}

	dtos := make([]GroupDTO, len(loads))
	for i, gl := range loads {
		dtos[i] = toGroupDTO(gl)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListMembers(r.Context(), market.GroupID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to list members", err)
		return
	}

	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RetryPlacements runs one placement retry pass and reports what it did.
func (h *Handler) RetryPlacements(w http.ResponseWriter, r *http.Request) {
	if h.Retrier == nil {
		writeError(w, http.StatusServiceUnavailable, "Placement retrier not configured", nil)
		return
	}

	report, err := h.Retrier.RunNow(r.Context())
	if err != nil {
		writeDomainError(w, "Placement retry failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health reports liveness and whether the store answers queries.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Store.CountUsers(r.Context()); err != nil {
		h.Log.Error("health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if status == http.StatusBadRequest {
		resp.Code = market.CodeInvalidInput
	}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
