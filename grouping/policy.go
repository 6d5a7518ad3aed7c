/*
Package grouping places enrolled students into study groups.

GROUP POOL:
  A course has no groups until its first purchase. The first placement
  creates exactly PoolSize groups in one transaction, one per pool slot
  (0..PoolSize-1). Pools are never grown or shrunk afterwards.

  Two requests racing to create the pool:
    - in the same process: coalesced by singleflight, keyed by course
    - across processes:    the unique (course_id, pool_slot) index rejects
                           the loser with ErrGroupPoolExists, which is
                           treated as success and the winner's pool is read

SELECTION (LeastPopulated):
  The group with the fewest members wins. Ties go to the lowest pool slot,
  then the lowest group ID. With every user placed this way, member counts
  across a course's groups never differ by more than one.

CAPACITY:
  There is none. MaxGroupSize only feeds reporting; a group can exceed it.

IDEMPOTENCY:
  Assign returns the existing group if the user is already placed in the
  course, and marks the placement task done either way.

SEE ALSO:
  - retrier.go: Background retry of pending placements
  - enrollment/service.go: Calls Assign after commit
*/
package grouping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/course-market/market"
	"github.com/warp/course-market/observability"
)

// DefaultPoolSize is the number of groups created for a course.
const DefaultPoolSize = 10

// GroupTitle names the group in the given pool slot. Slots are shown 1-based.
func GroupTitle(courseID market.CourseID, slot int) string {
	return fmt.Sprintf("Группа №%s-%d", courseID, slot+1)
}

// LeastPopulated returns the index in loads of the group a new member should
// join, or -1 when loads is empty.
func LeastPopulated(loads []market.GroupLoad) int {
	best := -1
	for i, gl := range loads {
		if best == -1 || less(gl, loads[best]) {
			best = i
		}
	}
	return best
}

func less(a, b market.GroupLoad) bool {
	if a.Members != b.Members {
		return a.Members < b.Members
	}
	if a.Group.PoolSlot != b.Group.PoolSlot {
		return a.Group.PoolSlot < b.Group.PoolSlot
	}
	return a.Group.ID < b.Group.ID
}

// =============================================================================
// POLICY
// =============================================================================

type Policy struct {
	store    market.TxStore
	poolSize int
	log      *zap.Logger
	metrics  *observability.Metrics
	pools    singleflight.Group

	now func() time.Time
}

func NewPolicy(store market.TxStore, poolSize int, log *zap.Logger, metrics *observability.Metrics) *Policy {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{
		store:    store,
		poolSize: poolSize,
		log:      log,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Policy) PoolSize() int { return p.poolSize }

// EnsurePool returns the course's groups, creating the pool if the course
// has none yet.
func (p *Policy) EnsurePool(ctx context.Context, courseID market.CourseID) ([]market.Group, error) {
	v, err, _ := p.pools.Do(string(courseID), func() (any, error) {
		return p.ensurePool(ctx, courseID)
	})
	if err != nil {
		return nil, err
	}
	// Shared between callers; hand each one its own slice.
	groups := v.([]market.Group)
	out := make([]market.Group, len(groups))
	copy(out, groups)
	return out, nil
}

func (p *Policy) ensurePool(ctx context.Context, courseID market.CourseID) ([]market.Group, error) {
	var groups []market.Group
	created := false

	err := p.store.WithTx(ctx, func(tx market.Tx) error {
		if _, err := tx.Course(ctx, courseID); err != nil {
			return err
		}

		loads, err := tx.CourseGroups(ctx, courseID)
		if err != nil {
			return err
		}
		if len(loads) > 0 {
			groups = groupsOf(loads)
			return nil
		}

		now := p.now()
		groups = make([]market.Group, p.poolSize)
		for slot := range groups {
			groups[slot] = market.Group{
				ID:        market.GroupID(market.NewID()),
				CourseID:  courseID,
				Title:     GroupTitle(courseID, slot),
				PoolSlot:  slot,
				CreatedAt: now,
			}
		}
		created = true
		return tx.InsertGroups(ctx, groups)
	})

	if errors.Is(err, market.ErrGroupPoolExists) {
		p.log.Debug("group pool created concurrently, reading existing pool",
			zap.String("course_id", string(courseID)))
		return p.readPool(ctx, courseID)
	}
	if err != nil {
		return nil, err
	}

	if created {
		p.metrics.PoolCreated()
		p.log.Info("group pool created",
			zap.String("course_id", string(courseID)),
			zap.Int("groups", len(groups)))
	}
	return groups, nil
}

func (p *Policy) readPool(ctx context.Context, courseID market.CourseID) ([]market.Group, error) {
	var groups []market.Group
	err := p.store.WithTx(ctx, func(tx market.Tx) error {
		loads, err := tx.CourseGroups(ctx, courseID)
		if err != nil {
			return err
		}
		if len(loads) == 0 {
			return fmt.Errorf("%w: %s", market.ErrNoGroups, courseID)
		}
		groups = groupsOf(loads)
		return nil
	})
	return groups, err
}

// =============================================================================
// ASSIGN
// =============================================================================

// Assign places the user into the least-populated group of the course and
// returns that group. Safe to call repeatedly for the same (user, course).
func (p *Policy) Assign(ctx context.Context, userID market.UserID, courseID market.CourseID) (market.GroupID, error) {
	groupID, err := p.assign(ctx, userID, courseID)
	if err != nil {
		p.metrics.Placement(observability.PlacementFailed)
		return "", err
	}
	p.metrics.Placement(observability.PlacementPlaced)
	return groupID, nil
}

func (p *Policy) assign(ctx context.Context, userID market.UserID, courseID market.CourseID) (market.GroupID, error) {
	if _, err := p.EnsurePool(ctx, courseID); err != nil {
		return "", fmt.Errorf("failed to ensure group pool: %w", err)
	}

	var groupID market.GroupID
	err := p.store.WithTx(ctx, func(tx market.Tx) error {
		existing, placed, err := tx.MembershipFor(ctx, userID, courseID)
		if err != nil {
			return err
		}
		if placed {
			groupID = existing
			return tx.CompletePlacement(ctx, userID, courseID)
		}

		loads, err := tx.CourseGroups(ctx, courseID)
		if err != nil {
			return err
		}
		best := LeastPopulated(loads)
		if best < 0 {
			return fmt.Errorf("%w: %s", market.ErrNoGroups, courseID)
		}
		groupID = loads[best].Group.ID

		if err := tx.InsertMembership(ctx, market.Membership{
			GroupID:  groupID,
			UserID:   userID,
			CourseID: courseID,
			JoinedAt: p.now(),
		}); err != nil {
			return err
		}
		return tx.CompletePlacement(ctx, userID, courseID)
	})

	if errors.Is(err, market.ErrAlreadyPlaced) {
		// Placed by a concurrent caller between our read and insert.
		return p.assign(ctx, userID, courseID)
	}
	if err != nil {
		return "", err
	}
	return groupID, nil
}

func groupsOf(loads []market.GroupLoad) []market.Group {
	groups := make([]market.Group, len(loads))
	for i, gl := range loads {
		groups[i] = gl.Group
	}
	return groups
}
