/*
Package enrollment implements course purchase.

PURPOSE:
  Enroll is the only path that creates a Subscription. It turns
  "user pays for course" into one atomic unit of work followed by a
  best-effort group placement.

TRANSACTION (all or nothing):
  1. Load course and user               -> ErrCourseNotFound / ErrUserNotFound
  2. Subscription exists?               -> ErrAlreadyEnrolled
  3. Course open for purchase?          -> ErrCourseUnavailable
  4. Balance covers price?              -> *InsufficientFundsError
  5. Debit balance (version-checked)
  6. Insert subscription (unique per user+course)
  7. Enqueue placement task

  The order of checks 2-4 decides which error the caller sees when several
  apply. The unique index on subscriptions re-validates step 2 under
  concurrency and is mapped to ErrAlreadyEnrolled by the store.

AFTER COMMIT:
  The Placer seats the user in a group. Its failure never fails the purchase:
  the placement task stays pending and grouping.Retrier picks it up.

CONCURRENCY:
  A version conflict on the balance (ErrConcurrentModification) restarts the
  whole transaction, up to Retries attempts.

SEE ALSO:
  - grouping/policy.go: Placer implementation
  - market/store.go: Tx contract
*/
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/course-market/market"
	"github.com/warp/course-market/observability"
)

// DefaultRetries is used when Service.Retries is not positive.
const DefaultRetries = 3

// placementTimeout bounds the inline placement after commit.
const placementTimeout = 10 * time.Second

// Placer seats a freshly enrolled user into a group of the course.
type Placer interface {
	Assign(ctx context.Context, userID market.UserID, courseID market.CourseID) (market.GroupID, error)
}

type Service struct {
	Store   market.TxStore
	Placer  Placer
	Log     *zap.Logger
	Metrics *observability.Metrics
	Retries int

	now func() time.Time
}

func NewService(store market.TxStore, placer Placer, log *zap.Logger, metrics *observability.Metrics, retries int) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if retries <= 0 {
		retries = DefaultRetries
	}
	return &Service{
		Store:   store,
		Placer:  placer,
		Log:     log,
		Metrics: metrics,
		Retries: retries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// ENROLL
// =============================================================================

// Enroll debits the course price from the user's balance and records the
// subscription. On success the user is also placed into a group, unless
// placement fails, in which case it is retried in the background.
func (s *Service) Enroll(ctx context.Context, userID market.UserID, courseID market.CourseID) (market.Subscription, error) {
	sub, err := s.enrollWithRetry(ctx, userID, courseID)
	if err != nil {
		s.Metrics.Enrollment(market.Code(err))
		if !market.IsClientError(err) && !market.IsNotFound(err) {
			s.Log.Error("enrollment failed",
				zap.String("user_id", string(userID)),
				zap.String("course_id", string(courseID)),
				zap.Error(err))
		}
		return market.Subscription{}, err
	}

	s.Metrics.Enrollment("success")
	s.Log.Info("user enrolled",
		zap.String("user_id", string(userID)),
		zap.String("course_id", string(courseID)),
		zap.String("subscription_id", string(sub.ID)))

	s.place(ctx, userID, courseID)
	return sub, nil
}

func (s *Service) enrollWithRetry(ctx context.Context, userID market.UserID, courseID market.CourseID) (market.Subscription, error) {
	var lastErr error
	for attempt := 1; attempt <= s.Retries; attempt++ {
		sub, err := s.enrollOnce(ctx, userID, courseID)
		if err == nil {
			return sub, nil
		}
		if !market.IsRetryable(err) {
			return market.Subscription{}, err
		}
		lastErr = err
		s.Log.Warn("balance changed during enrollment, retrying",
			zap.String("user_id", string(userID)),
			zap.Int("attempt", attempt))
	}
	return market.Subscription{}, fmt.Errorf("enrollment gave up after %d attempts: %w", s.Retries, lastErr)
}

func (s *Service) enrollOnce(ctx context.Context, userID market.UserID, courseID market.CourseID) (market.Subscription, error) {
	var sub market.Subscription

	err := s.Store.WithTx(ctx, func(tx market.Tx) error {
		course, err := tx.Course(ctx, courseID)
		if err != nil {
			return err
		}
		if _, err := tx.User(ctx, userID); err != nil {
			return err
		}

		enrolled, err := tx.HasSubscription(ctx, userID, courseID)
		if err != nil {
			return err
		}
		if enrolled {
			return market.ErrAlreadyEnrolled
		}

		if !course.IsAvailable {
			return fmt.Errorf("%w: %s", market.ErrCourseUnavailable, courseID)
		}

		balance, err := tx.Balance(ctx, userID)
		if err != nil {
			return err
		}
		debited, err := balance.Debit(course.Price)
		if err != nil {
			var ife *market.InsufficientFundsError
			if errors.As(err, &ife) {
				ife.CourseID = courseID
			}
			return err
		}
		if err := tx.PutBalance(ctx, debited); err != nil {
			return err
		}

		now := s.now()
		sub = market.Subscription{
			ID:        market.SubscriptionID(market.NewID()),
			UserID:    userID,
			CourseID:  courseID,
			StartDate: now,
		}
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return err
		}

		return tx.EnqueuePlacement(ctx, market.PlacementTask{
			ID:        market.NewID(),
			UserID:    userID,
			CourseID:  courseID,
			Status:    market.PlacementPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		return market.Subscription{}, err
	}
	return sub, nil
}

// =============================================================================
// POST-COMMIT PLACEMENT
// =============================================================================

// place runs detached from the request's cancellation: the purchase is
// already committed and a client disconnect must not strand the placement.
func (s *Service) place(ctx context.Context, userID market.UserID, courseID market.CourseID) {
	if s.Placer == nil {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), placementTimeout)
	defer cancel()

	groupID, err := s.Placer.Assign(pctx, userID, courseID)
	if err != nil {
		s.Log.Warn("group placement deferred to retry worker",
			zap.String("user_id", string(userID)),
			zap.String("course_id", string(courseID)),
			zap.Error(err))
		return
	}

	s.Log.Debug("user placed in group",
		zap.String("user_id", string(userID)),
		zap.String("course_id", string(courseID)),
		zap.String("group_id", string(groupID)))
}
