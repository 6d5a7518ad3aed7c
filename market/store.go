/*
store.go - Persistence contracts for the marketplace

PURPOSE:
  Defines the interface between the domain logic and the database.
  Implementations: store/sqlite (production) and market/store (in-memory,
  tests and dev mode). Both must enforce the same uniqueness rules,
  because the unique constraints are the source of truth, not the
  pre-checks done by services.

KEY INTERFACES:
  Tx:       Everything a write transaction may read or write
  TxStore:  Runs a function inside a transaction (commit on nil error)
  Counter:  Read-only counts used by reporting
  Store:    Full backend used by the HTTP layer

UNIQUENESS RULES (enforced by every implementation):
  users(email)                        -> ErrEmailTaken
  subscriptions(user_id, course_id)   -> ErrAlreadyEnrolled
  groups(course_id, pool_slot)        -> ErrGroupPoolExists
  memberships(user_id, course_id)     -> ErrAlreadyPlaced
  placement_tasks(user_id, course_id) -> ErrAlreadyEnrolled

ATOMICITY:
  WithTx gives all-or-nothing semantics. Enrollment writes the debit,
  the subscription and the placement task in one WithTx call.

SEE ALSO:
  - store/sqlite/sqlite.go: SQLite implementation
  - market/store/memory.go: In-memory implementation
*/
package market

import "context"

// =============================================================================
// TRANSACTION - Reads and writes visible inside one atomic unit
// =============================================================================

type Tx interface {
	User(ctx context.Context, id UserID) (User, error)
	InsertUser(ctx context.Context, u User) error

	// Balance returns the stored balance including its Version.
	Balance(ctx context.Context, userID UserID) (Balance, error)
	InsertBalance(ctx context.Context, b Balance) error

	// PutBalance stores b.Amount if the stored version still equals b.Version,
	// bumping the version. Returns ErrConcurrentModification otherwise and
	// ErrNegativeBalance without touching storage if b fails Validate.
	PutBalance(ctx context.Context, b Balance) error

	Course(ctx context.Context, id CourseID) (Course, error)

	HasSubscription(ctx context.Context, userID UserID, courseID CourseID) (bool, error)
	InsertSubscription(ctx context.Context, s Subscription) error

	// CourseGroups returns the course's groups with member counts, ordered
	// by pool slot.
	CourseGroups(ctx context.Context, courseID CourseID) ([]GroupLoad, error)
	InsertGroups(ctx context.Context, groups []Group) error

	// MembershipFor returns the group the user occupies in the course, if any.
	MembershipFor(ctx context.Context, userID UserID, courseID CourseID) (GroupID, bool, error)
	InsertMembership(ctx context.Context, m Membership) error

	EnqueuePlacement(ctx context.Context, t PlacementTask) error
	// CompletePlacement marks the (user, course) task done. No-op when absent.
	CompletePlacement(ctx context.Context, userID UserID, courseID CourseID) error
}

// TxStore runs fn inside a transaction.
// If fn returns error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
type TxStore interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// =============================================================================
// COUNTER - Read-side aggregates for reporting
// =============================================================================

type Counter interface {
	CountUsers(ctx context.Context) (int, error)
	CountLessons(ctx context.Context, courseID CourseID) (int, error)
	CountSubscriptions(ctx context.Context, courseID CourseID) (int, error)
	// GroupMemberCounts returns one entry per group of the course.
	GroupMemberCounts(ctx context.Context, courseID CourseID) ([]int, error)
}

// =============================================================================
// STORE - Full backend
// =============================================================================

type Store interface {
	TxStore
	Counter

	GetUser(ctx context.Context, id UserID) (User, error)
	GetBalance(ctx context.Context, userID UserID) (Balance, error)
	ListSubscriptions(ctx context.Context, userID UserID) ([]Subscription, error)

	// SaveCourse inserts or updates a course.
	SaveCourse(ctx context.Context, c Course) error
	GetCourse(ctx context.Context, id CourseID) (Course, error)
	ListCourses(ctx context.Context, onlyAvailable bool) ([]Course, error)

	SaveLesson(ctx context.Context, l Lesson) error
	ListLessons(ctx context.Context, courseID CourseID) ([]Lesson, error)

	ListGroups(ctx context.Context, courseID CourseID) ([]GroupLoad, error)
	ListMembers(ctx context.Context, groupID GroupID) ([]User, error)

	// PendingPlacements returns up to limit pending tasks, oldest first.
	PendingPlacements(ctx context.Context, limit int) ([]PlacementTask, error)
	RecordPlacementFailure(ctx context.Context, taskID string, reason string) error

	Close() error
}
