// Package catalog validates and stores courses and lessons.
package catalog

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/course-market/market"
)

// Store is the part of market.Store the catalog writes through.
type Store interface {
	SaveCourse(ctx context.Context, c market.Course) error
	GetCourse(ctx context.Context, id market.CourseID) (market.Course, error)
	SaveLesson(ctx context.Context, l market.Lesson) error
}

type NewCourse struct {
	AuthorID    market.UserID
	Title       string
	Price       market.Money
	IsAvailable bool
	StartDate   time.Time
}

func (n NewCourse) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", market.ErrInvalidInput)
	}
	if n.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative, got %s", market.ErrInvalidAmount, n.Price)
	}
	return nil
}

type NewLesson struct {
	Title string
	Link  string
}

func (n NewLesson) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", market.ErrInvalidInput)
	}
	u, err := url.Parse(n.Link)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: link must be an absolute URL, got %q", market.ErrInvalidInput, n.Link)
	}
	return nil
}

type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) CreateCourse(ctx context.Context, in NewCourse) (market.Course, error) {
	if err := in.Validate(); err != nil {
		return market.Course{}, err
	}

	now := s.now()
	course := market.Course{
		ID:          market.CourseID(market.NewID()),
		AuthorID:    in.AuthorID,
		Title:       strings.TrimSpace(in.Title),
		Price:       in.Price,
		IsAvailable: in.IsAvailable,
		StartDate:   in.StartDate,
		CreatedAt:   now,
	}
	if course.StartDate.IsZero() {
		course.StartDate = now
	}

	if err := s.store.SaveCourse(ctx, course); err != nil {
		return market.Course{}, err
	}
	s.log.Info("course created",
		zap.String("course_id", string(course.ID)),
		zap.String("price", course.Price.String()),
		zap.Bool("available", course.IsAvailable))
	return course, nil
}

// SetAvailability opens or closes a course for purchase. Existing
// subscriptions are unaffected.
func (s *Service) SetAvailability(ctx context.Context, id market.CourseID, available bool) (market.Course, error) {
	course, err := s.store.GetCourse(ctx, id)
	if err != nil {
		return market.Course{}, err
	}
	if course.IsAvailable == available {
		return course, nil
	}
	course.IsAvailable = available
	if err := s.store.SaveCourse(ctx, course); err != nil {
		return market.Course{}, err
	}
	s.log.Info("course availability changed",
		zap.String("course_id", string(id)),
		zap.Bool("available", available))
	return course, nil
}

func (s *Service) CreateLesson(ctx context.Context, courseID market.CourseID, in NewLesson) (market.Lesson, error) {
	if err := in.Validate(); err != nil {
		return market.Lesson{}, err
	}
	if _, err := s.store.GetCourse(ctx, courseID); err != nil {
		return market.Lesson{}, err
	}

	lesson := market.Lesson{
		ID:        market.LessonID(market.NewID()),
		CourseID:  courseID,
		Title:     strings.TrimSpace(in.Title),
		Link:      in.Link,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveLesson(ctx, lesson); err != nil {
		return market.Lesson{}, err
	}
	return lesson, nil
}
