package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/course-market/market"
	"github.com/warp/course-market/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *sqlite.Store) {
	ctx := context.Background()
	err := store.WithTx(ctx, func(tx market.Tx) error {
		if err := tx.InsertUser(ctx, market.User{ID: "u1", Email: "u1@example.com", Username: "u1"}); err != nil {
			return err
		}
		return tx.InsertBalance(ctx, market.Balance{UserID: "u1", Amount: market.MustMoney("1000.00")})
	})
	require.NoError(t, err)
	require.NoError(t, store.SaveCourse(ctx, market.Course{
		ID:          "c1",
		Title:       "Databases",
		Price:       market.MustMoney("500.00"),
		IsAvailable: true,
		StartDate:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}))
}

// =============================================================================
// UNIQUENESS
// =============================================================================

func TestInsertUser_DuplicateEmail(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx market.Tx) error {
		return tx.InsertUser(ctx, market.User{ID: "u2", Email: "u1@example.com", Username: "other"})
	})
	assert.ErrorIs(t, err, market.ErrEmailTaken)
}

func TestInsertSubscription_DuplicatePair(t *testing.T) {
	// GIVEN: A subscription for (u1, c1)
	// WHEN: A second one is inserted without the pre-check
	// THEN: The unique index rejects it as ErrAlreadyEnrolled

	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	insert := func(id string) error {
		return store.WithTx(ctx, func(tx market.Tx) error {
			return tx.InsertSubscription(ctx, market.Subscription{
				ID: market.SubscriptionID(id), UserID: "u1", CourseID: "c1", StartDate: time.Now(),
			})
		})
	}
	require.NoError(t, insert("s1"))
	assert.ErrorIs(t, insert("s2"), market.ErrAlreadyEnrolled)

	n, err := store.CountSubscriptions(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertMembership_OneGroupPerCourse(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx market.Tx) error {
		return tx.InsertGroups(ctx, []market.Group{
			{ID: "g1", CourseID: "c1", Title: "g1", PoolSlot: 0},
			{ID: "g2", CourseID: "c1", Title: "g2", PoolSlot: 1},
		})
	})
	require.NoError(t, err)

	place := func(groupID market.GroupID) error {
		return store.WithTx(ctx, func(tx market.Tx) error {
			return tx.InsertMembership(ctx, market.Membership{GroupID: groupID, UserID: "u1", CourseID: "c1"})
		})
	}
	require.NoError(t, place("g1"))
	assert.ErrorIs(t, place("g1"), market.ErrAlreadyPlaced)
	assert.ErrorIs(t, place("g2"), market.ErrAlreadyPlaced)

	loads, err := store.ListGroups(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, loads, 2)
	assert.Equal(t, 1, loads[0].Members)
	assert.Equal(t, 0, loads[1].Members)

	members, err := store.ListMembers(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, market.UserID("u1"), members[0].ID)
}

// =============================================================================
// BALANCE
// =============================================================================

func TestPutBalance_VersionCheck(t *testing.T) {
	// GIVEN: Two readers holding the same balance version
	// WHEN: Both write
	// THEN: The second write is rejected as a concurrent modification

	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	stale, err := store.GetBalance(ctx, "u1")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx market.Tx) error {
		next, err := stale.Debit(market.MustMoney("100"))
		if err != nil {
			return err
		}
		return tx.PutBalance(ctx, next)
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx market.Tx) error {
		next, err := stale.Debit(market.MustMoney("200"))
		if err != nil {
			return err
		}
		return tx.PutBalance(ctx, next)
	})
	assert.ErrorIs(t, err, market.ErrConcurrentModification)

	current, err := store.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "900.00", current.Amount.String())
	assert.Equal(t, stale.Version+1, current.Version)
}

func TestPutBalance_RejectsNegative(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx market.Tx) error {
		b, err := tx.Balance(ctx, "u1")
		if err != nil {
			return err
		}
		b.Amount = market.MustMoney("-0.01")
		return tx.PutBalance(ctx, b)
	})
	assert.ErrorIs(t, err, market.ErrNegativeBalance)

	current, err := store.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", current.Amount.String())
}

func TestPutBalance_UnknownUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx market.Tx) error {
		return tx.PutBalance(ctx, market.Balance{UserID: "ghost", Amount: market.MustMoney("1")})
	})
	assert.ErrorIs(t, err, market.ErrUserNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that debits and then fails
	// WHEN: It returns an error
	// THEN: Nothing it wrote is visible

	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx market.Tx) error {
		b, err := tx.Balance(ctx, "u1")
		if err != nil {
			return err
		}
		next, err := b.Debit(market.MustMoney("500"))
		if err != nil {
			return err
		}
		if err := tx.PutBalance(ctx, next); err != nil {
			return err
		}
		if err := tx.InsertSubscription(ctx, market.Subscription{ID: "s1", UserID: "u1", CourseID: "c1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := store.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", b.Amount.String())

	subs, err := store.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestSaveCourse_UpsertAndAvailabilityFilter(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	course, err := store.GetCourse(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "500.00", course.Price.String())
	assert.True(t, course.IsAvailable)

	course.IsAvailable = false
	require.NoError(t, store.SaveCourse(ctx, course))

	available, err := store.ListCourses(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, available)

	all, err := store.ListCourses(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsAvailable)
}

func TestSaveCourse_UnknownAuthor(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveCourse(context.Background(), market.Course{
		ID: "c2", AuthorID: "ghost", Title: "x", Price: market.MustMoney("1"),
	})
	assert.ErrorIs(t, err, market.ErrUserNotFound)
}

func TestSaveLesson_UnknownCourse(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveLesson(context.Background(), market.Lesson{
		ID: "l1", CourseID: "missing", Title: "Intro", Link: "https://example.com/1",
	})
	assert.ErrorIs(t, err, market.ErrCourseNotFound)
}

func TestGetCourse_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetCourse(context.Background(), "missing")
	assert.ErrorIs(t, err, market.ErrCourseNotFound)
	assert.True(t, market.IsNotFound(err))
}

func TestLessonsAndCounts(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	for i, title := range []string{"Intro", "Indexes", "Transactions"} {
		require.NoError(t, store.SaveLesson(ctx, market.Lesson{
			ID:        market.LessonID(title),
			CourseID:  "c1",
			Title:     title,
			Link:      "https://example.com/" + title,
			CreatedAt: time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC),
		}))
	}

	lessons, err := store.ListLessons(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, lessons, 3)
	assert.Equal(t, "Intro", lessons[0].Title)
	assert.Equal(t, "Transactions", lessons[2].Title)

	n, err := store.CountLessons(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	users, err := store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, users)
}

// =============================================================================
// PLACEMENT QUEUE
// =============================================================================

func TestPlacementQueue(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	enqueue := func(id string) error {
		return store.WithTx(ctx, func(tx market.Tx) error {
			return tx.EnqueuePlacement(ctx, market.PlacementTask{ID: id, UserID: "u1", CourseID: "c1"})
		})
	}
	require.NoError(t, enqueue("t1"))
	assert.ErrorIs(t, enqueue("t2"), market.ErrAlreadyEnrolled)

	pending, err := store.PendingPlacements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, market.PlacementPending, pending[0].Status)

	require.NoError(t, store.RecordPlacementFailure(ctx, "t1", "timeout"))
	pending, err = store.PendingPlacements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "timeout", pending[0].LastError)

	err = store.WithTx(ctx, func(tx market.Tx) error {
		return tx.CompletePlacement(ctx, "u1", "c1")
	})
	require.NoError(t, err)
	pending, err = store.PendingPlacements(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// =============================================================================
// FILE DATABASE
// =============================================================================

func TestNew_FileDatabase_Reopen(t *testing.T) {
	// GIVEN: A file-backed store with one user
	// WHEN: It is closed and reopened
	// THEN: The data and schema survive

	path := filepath.Join(t.TempDir(), "courses.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	seed(t, store)
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	b, err := reopened.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", b.Amount.String())
}
