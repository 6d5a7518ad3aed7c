/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Payment outcomes and their status codes/messages
- Balance and group state after a payment
- Course statistics in responses
- User creation errors, lessons, health and metrics endpoints
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/course-market/accounts"
	"github.com/warp/course-market/catalog"
	"github.com/warp/course-market/enrollment"
	"github.com/warp/course-market/grouping"
	"github.com/warp/course-market/market"
	memstore "github.com/warp/course-market/market/store"
	"github.com/warp/course-market/observability"
	"github.com/warp/course-market/reporting"
)

type testServer struct {
	t      *testing.T
	router http.Handler
	store  *memstore.Memory
}

func newTestServer(t *testing.T, withRetrier bool) *testServer {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(reg)
	require.NoError(t, err)

	store := memstore.NewMemory()
	policy := grouping.NewPolicy(store, grouping.DefaultPoolSize, nil, metrics)
	h := &Handler{
		Store:      store,
		Accounts:   accounts.NewService(store, market.MustMoney("1000"), nil),
		Catalog:    catalog.NewService(store, nil),
		Enrollment: enrollment.NewService(store, policy, nil, metrics, 3),
		Reports:    reporting.NewReporter(store, 30),
	}
	if withRetrier {
		h.Retrier = grouping.NewRetrier(store, policy, nil, 0, 0)
	}

	return &testServer{
		t:      t,
		router: NewRouter(h, RouterOptions{Gatherer: reg}),
		store:  store,
	}
}

func (s *testServer) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createUser(email string) UserDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/users", "", CreateUserRequest{Email: email, Username: email})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CreateUserResponse](s.t, rec).User
}

func (s *testServer) createCourse(title, price string, available bool) CourseDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/courses", "", CreateCourseRequest{Title: title, Price: price, IsAvailable: &available})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CourseDTO](s.t, rec)
}

// =============================================================================
// PAYMENT
// =============================================================================

func TestPay_SubscribesAndPlaces(t *testing.T) {
	// GIVEN: A user with 1000 and a 500 course
	// WHEN: They pay twice
	// THEN: First call subscribes (201), second is rejected as already enrolled,
	//       balance is 500, ten groups exist holding one student

	s := newTestServer(t, false)
	user := s.createUser("anna@example.com")
	course := s.createCourse("Go", "500", true)
	payPath := "/api/courses/" + course.ID + "/pay"

	rec := s.do(http.MethodPost, payPath, user.ID, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decode[PaymentResponse](t, rec)
	assert.Equal(t, CodeSubscribed, paid.Code)
	assert.Equal(t, "Подписка на курс успешно оформлена.", paid.Detail)
	assert.NotEmpty(t, paid.SubscriptionID)

	rec = s.do(http.MethodPost, payPath, user.ID, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	again := decode[PaymentResponse](t, rec)
	assert.Equal(t, market.CodeAlreadyEnrolled, again.Code)
	assert.Equal(t, "Вы уже подписаны на этот курс.", again.Detail)

	rec = s.do(http.MethodGet, "/api/users/"+user.ID+"/balance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "500.00", decode[BalanceDTO](t, rec).Amount)

	rec = s.do(http.MethodGet, "/api/courses/"+course.ID+"/groups", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decode[[]GroupDTO](t, rec)
	require.Len(t, groups, grouping.DefaultPoolSize)
	total := 0
	for _, g := range groups {
		total += g.UserCount
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, groups[0].UserCount, "first student lands in the first slot")

	rec = s.do(http.MethodGet, "/api/groups/"+groups[0].ID+"/members", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	members := decode[[]UserDTO](t, rec)
	require.Len(t, members, 1)
	assert.Equal(t, user.ID, members[0].ID)

	rec = s.do(http.MethodGet, "/api/users/"+user.ID+"/subscriptions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	subs := decode[[]SubscriptionDTO](t, rec)
	require.Len(t, subs, 1)
	assert.Equal(t, course.ID, subs[0].CourseID)
}

func TestPay_Rejections(t *testing.T) {
	s := newTestServer(t, false)
	user := s.createUser("boris@example.com")
	expensive := s.createCourse("Rust", "1500", true)
	closed := s.createCourse("COBOL", "10", false)

	tests := []struct {
		name     string
		courseID string
		userID   string
		status   int
		code     string
		detail   string
	}{
		{"insufficient funds", expensive.ID, user.ID, http.StatusBadRequest, market.CodeInsufficientFunds, "Недостаточно бонусов для покупки курса."},
		{"course unavailable", closed.ID, user.ID, http.StatusBadRequest, market.CodeCourseUnavailable, "Данный курс не доступен для покупки."},
		{"no acting user", expensive.ID, "", http.StatusUnauthorized, "unauthorized", ""},
		{"unknown course", "missing", user.ID, http.StatusNotFound, market.CodeNotFound, ""},
		{"unknown user", expensive.ID, "ghost", http.StatusNotFound, market.CodeNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/courses/"+tt.courseID+"/pay", tt.userID, nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			var body struct {
				Code   string `json:"code"`
				Detail string `json:"detail"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			if tt.detail != "" {
				assert.Equal(t, tt.detail, body.Detail)
			}
		})
	}

	rec := s.do(http.MethodGet, "/api/users/"+user.ID+"/balance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000.00", decode[BalanceDTO](t, rec).Amount, "rejected payments never touch the balance")
}

// =============================================================================
// COURSES
// =============================================================================

func TestCourseStatistics(t *testing.T) {
	// GIVEN: Four users, two of whom buy the course, and one lesson
	// WHEN: Fetching the course
	// THEN: lessons 1, students 2, demand 50%, groups filled (2/10)/30*100

	s := newTestServer(t, false)
	course := s.createCourse("Python", "100", true)

	rec := s.do(http.MethodPost, "/api/courses/"+course.ID+"/lessons", "", CreateLessonRequest{Title: "Intro", Link: "https://example.com/intro"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var users []UserDTO
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"} {
		users = append(users, s.createUser(email))
	}
	for _, u := range users[:2] {
		rec := s.do(http.MethodPost, "/api/courses/"+course.ID+"/pay", u.ID, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = s.do(http.MethodGet, "/api/courses/"+course.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[CourseDTO](t, rec)
	assert.Equal(t, 1, got.LessonsCount)
	assert.Equal(t, 2, got.StudentsCount)
	assert.InDelta(t, 50.0, got.DemandPercent, 1e-9)
	assert.InDelta(t, 0.2/30*100, got.GroupsFilledPercent, 1e-9)
	assert.Equal(t, "100.00", got.Price)

	rec = s.do(http.MethodGet, "/api/courses/"+course.ID+"/lessons", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lessons := decode[[]LessonDTO](t, rec)
	require.Len(t, lessons, 1)
	assert.Equal(t, "Intro", lessons[0].Title)
}

func TestListCourses_AvailabilityFilter(t *testing.T) {
	s := newTestServer(t, false)
	open := s.createCourse("Open", "1", true)
	closed := s.createCourse("Closed", "1", false)

	rec := s.do(http.MethodGet, "/api/courses", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[[]CourseDTO](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, open.ID, listed[0].ID)

	rec = s.do(http.MethodGet, "/api/courses?include_unavailable=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]CourseDTO](t, rec), 2)

	rec = s.do(http.MethodPut, "/api/courses/"+closed.ID+"/availability", "", AvailabilityRequest{IsAvailable: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[CourseDTO](t, rec).IsAvailable)

	rec = s.do(http.MethodGet, "/api/courses", "", nil)
	assert.Len(t, decode[[]CourseDTO](t, rec), 2)
}

func TestCreateCourse_Invalid(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(http.MethodPost, "/api/courses", "", CreateCourseRequest{Title: "x", Price: "cheap"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, market.CodeInvalidAmount, decode[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodPost, "/api/courses", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, market.CodeInvalidInput, decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// USERS
// =============================================================================

func TestCreateUser_Errors(t *testing.T) {
	s := newTestServer(t, false)
	s.createUser("dup@example.com")

	rec := s.do(http.MethodPost, "/api/users", "", CreateUserRequest{Email: "dup@example.com", Username: "dup"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, market.CodeEmailTaken, decode[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodPost, "/api/users", "", CreateUserRequest{Email: "nope", Username: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/users/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreditBalance(t *testing.T) {
	s := newTestServer(t, false)
	user := s.createUser("rich@example.com")

	rec := s.do(http.MethodPost, "/api/admin/users/"+user.ID+"/credit", "", CreditRequest{Amount: "99.99"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1099.99", decode[BalanceDTO](t, rec).Amount)

	rec = s.do(http.MethodPost, "/api/admin/users/"+user.ID+"/credit", "", CreditRequest{Amount: "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestRetryPlacements(t *testing.T) {
	rec := newTestServer(t, false).do(http.MethodPost, "/api/admin/placements/retry", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = newTestServer(t, true).do(http.MethodPost, "/api/admin/placements/retry", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, grouping.RetryReport{}, decode[grouping.RetryReport](t, rec))
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, false)
	user := s.createUser("m@example.com")
	course := s.createCourse("Metrics", "1", true)
	s.do(http.MethodPost, "/api/courses/"+course.ID+"/pay", user.ID, nil)

	rec := s.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `course_market_enrollments_total{outcome="success"} 1`)
	assert.Contains(t, rec.Body.String(), `course_market_group_pools_created_total 1`)
}
