/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as decimal strings ("1000.00") in both directions, never
  as JSON numbers.

VALIDATION:
  Validation is done in the services (accounts, catalog), not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/course-market/market"
	"github.com/warp/course-market/reporting"
)

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateUserRequest struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type CreateUserResponse struct {
	User    UserDTO    `json:"user"`
	Balance BalanceDTO `json:"balance"`
}

type BalanceDTO struct {
	UserID    string    `json:"user_id"`
	Amount    string    `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreditRequest struct {
	Amount string `json:"amount"`
}

type SubscriptionDTO struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CourseID  string    `json:"course_id"`
	StartDate time.Time `json:"start_date"`
}

// =============================================================================
// CATALOG
// =============================================================================

// CourseDTO is a course with its live statistics.
type CourseDTO struct {
	ID                  string    `json:"id"`
	AuthorID            string    `json:"author_id,omitempty"`
	Title               string    `json:"title"`
	Price               string    `json:"price"`
	IsAvailable         bool      `json:"is_available"`
	StartDate           time.Time `json:"start_date"`
	LessonsCount        int       `json:"lessons_count"`
	StudentsCount       int       `json:"students_count"`
	DemandPercent       float64   `json:"demand_course_percent"`
	GroupsFilledPercent float64   `json:"groups_filled_percent"`
}

type CreateCourseRequest struct {
	AuthorID    string     `json:"author_id"`
	Title       string     `json:"title"`
	Price       string     `json:"price"`
	IsAvailable *bool      `json:"is_available"`
	StartDate   *time.Time `json:"start_date"`
}

type AvailabilityRequest struct {
	IsAvailable bool `json:"is_available"`
}

type LessonDTO struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"course_id"`
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateLessonRequest struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

type GroupDTO struct {
	ID        string `json:"id"`
	CourseID  string `json:"course_id"`
	Title     string `json:"title"`
	PoolSlot  int    `json:"pool_slot"`
	UserCount int    `json:"user_count"`
}

// =============================================================================
// PAYMENT
// =============================================================================

// PaymentResponse is returned by POST /courses/{id}/pay for success and for
// the three business rejections. Clients key off Code; Detail is for display.
type PaymentResponse struct {
	Detail         string `json:"detail"`
	Code           string `json:"code"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toUserDTO(u market.User) UserDTO {
	return UserDTO{
		ID:        string(u.ID),
		Email:     u.Email,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		FullName:  u.FullName(),
		CreatedAt: u.CreatedAt,
	}
}

func toBalanceDTO(b market.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:    string(b.UserID),
		Amount:    b.Amount.String(),
		UpdatedAt: b.UpdatedAt,
	}
}

func toSubscriptionDTO(s market.Subscription) SubscriptionDTO {
	return SubscriptionDTO{
		ID:        string(s.ID),
		UserID:    string(s.UserID),
		CourseID:  string(s.CourseID),
		StartDate: s.StartDate,
	}
}

func toCourseDTO(c market.Course, stats reporting.CourseStats) CourseDTO {
	return CourseDTO{
		ID:                  string(c.ID),
		AuthorID:            string(c.AuthorID),
		Title:               c.Title,
		Price:               c.Price.String(),
		IsAvailable:         c.IsAvailable,
		StartDate:           c.StartDate,
		LessonsCount:        stats.LessonsCount,
		StudentsCount:       stats.StudentsCount,
		DemandPercent:       stats.DemandPercent,
		GroupsFilledPercent: stats.GroupsFilledPercent,
	}
}

func toLessonDTO(l market.Lesson) LessonDTO {
	return LessonDTO{
		ID:        string(l.ID),
		CourseID:  string(l.CourseID),
		Title:     l.Title,
		Link:      l.Link,
		CreatedAt: l.CreatedAt,
	}
}

func toGroupDTO(gl market.GroupLoad) GroupDTO {
	return GroupDTO{
		ID:        string(gl.Group.ID),
		CourseID:  string(gl.Group.CourseID),
		Title:     gl.Group.Title,
		PoolSlot:  gl.Group.PoolSlot,
		UserCount: gl.Members,
	}
}
