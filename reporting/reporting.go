/*
Package reporting derives course statistics for the catalog.

METRICS (recomputed on every call, nothing cached):
  lessons_count          lessons of the course
  students_count         subscriptions to the course
  demand_percent         subscriptions / total users * 100
  groups_filled_percent  average members per group / MaxGroupSize * 100

  Both percentages are 0 when their denominator is 0 (no users, no groups).
  groups_filled_percent can exceed 100: group size is not capped.

SEE ALSO:
  - api/handlers.go: Course endpoints embed CourseStats
*/
package reporting

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/warp/course-market/market"
)

// DefaultMaxGroupSize is the nominal group capacity used as denominator.
const DefaultMaxGroupSize = 30

// catalogConcurrency bounds parallel stat queries in CatalogStats.
const catalogConcurrency = 4

// DemandPercent is the share of all users subscribed to a course.
func DemandPercent(subscriptions, totalUsers int) float64 {
	if totalUsers <= 0 {
		return 0
	}
	return float64(subscriptions) / float64(totalUsers) * 100
}

// GroupsFilledPercent is the average group load relative to maxGroupSize.
func GroupsFilledPercent(memberCounts []int, maxGroupSize int) float64 {
	if len(memberCounts) == 0 || maxGroupSize <= 0 {
		return 0
	}
	total := 0
	for _, n := range memberCounts {
		total += n
	}
	avg := float64(total) / float64(len(memberCounts))
	return avg / float64(maxGroupSize) * 100
}

// =============================================================================
// REPORTER
// =============================================================================

type CourseStats struct {
	CourseID            market.CourseID
	LessonsCount        int
	StudentsCount       int
	DemandPercent       float64
	GroupsFilledPercent float64
}

type Reporter struct {
	store        market.Counter
	maxGroupSize int
}

func NewReporter(store market.Counter, maxGroupSize int) *Reporter {
	if maxGroupSize <= 0 {
		maxGroupSize = DefaultMaxGroupSize
	}
	return &Reporter{store: store, maxGroupSize: maxGroupSize}
}

func (r *Reporter) LessonsCount(ctx context.Context, courseID market.CourseID) (int, error) {
	return r.store.CountLessons(ctx, courseID)
}

func (r *Reporter) StudentsCount(ctx context.Context, courseID market.CourseID) (int, error) {
	return r.store.CountSubscriptions(ctx, courseID)
}

func (r *Reporter) CourseStats(ctx context.Context, courseID market.CourseID) (CourseStats, error) {
	stats := CourseStats{CourseID: courseID}

	lessons, err := r.LessonsCount(ctx, courseID)
	if err != nil {
		return stats, fmt.Errorf("failed to count lessons: %w", err)
	}
	students, err := r.StudentsCount(ctx, courseID)
	if err != nil {
		return stats, fmt.Errorf("failed to count students: %w", err)
	}
	users, err := r.store.CountUsers(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to count users: %w", err)
	}
	members, err := r.store.GroupMemberCounts(ctx, courseID)
	if err != nil {
		return stats, fmt.Errorf("failed to count group members: %w", err)
	}

	stats.LessonsCount = lessons
	stats.StudentsCount = students
	stats.DemandPercent = DemandPercent(students, users)
	stats.GroupsFilledPercent = GroupsFilledPercent(members, r.maxGroupSize)
	return stats, nil
}

// CatalogStats computes CourseStats for each course, in the same order.
func (r *Reporter) CatalogStats(ctx context.Context, courseIDs []market.CourseID) ([]CourseStats, error) {
	out := make([]CourseStats, len(courseIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogConcurrency)
	for i, id := range courseIDs {
		i, id := i, id
		g.Go(func() error {
			stats, err := r.CourseStats(gctx, id)
			if err != nil {
				return fmt.Errorf("course %s: %w", id, err)
			}
			out[i] = stats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
