/*
Package sqlite provides a SQLite-backed implementation of the market store.

PURPOSE:
  Implements market.Store (and therefore market.TxStore and market.Counter)
  using SQLite. The same schema works on PostgreSQL with minor dialect
  changes.

UNIQUE CONSTRAINTS AS SOURCE OF TRUTH:
  Services pre-check, but the indexes decide:
  - users(email)                          -> market.ErrEmailTaken
  - subscriptions(user_id, course_id)     -> market.ErrAlreadyEnrolled
  - course_groups(course_id, pool_slot)   -> market.ErrGroupPoolExists
  - group_memberships(user_id, course_id) -> market.ErrAlreadyPlaced
  - placement_tasks(user_id, course_id)   -> market.ErrAlreadyEnrolled

KEY TABLES:
  users, balances (1:1 users, versioned), courses, lessons,
  course_groups, group_memberships, subscriptions, placement_tasks

  "groups" is a keyword in recent SQLite (window frames), hence
  course_groups.

CONCURRENCY:
  Uses sync.RWMutex so writers never hit SQLITE_BUSY inside one process.
  Transactions are opened with _txlock=immediate so the write lock is
  taken at BEGIN, which makes the read-check-debit sequence of
  enrollment serializable. Balances additionally carry a version column.

  Inside WithTx only the *sql.Tx is used. Never call a public Store
  method from a WithTx callback: the mutex is not reentrant.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/market.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - market/store.go: Interface definitions
  - market/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/course-market/market"
)

// Store implements market.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ market.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Balances (exactly one per user; amount stored as decimal text)
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		amount TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		author_id TEXT REFERENCES users(id) ON DELETE SET NULL,
		title TEXT NOT NULL,
		price TEXT NOT NULL,
		is_available BOOLEAN NOT NULL DEFAULT TRUE,
		start_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_courses_available
		ON courses(is_available);

	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		link TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lessons_course
		ON lessons(course_id);

	-- Groups are created as a pool; one row per slot
	CREATE TABLE IF NOT EXISTS course_groups (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		pool_slot INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(course_id, pool_slot)
	);

	CREATE TABLE IF NOT EXISTS group_memberships (
		group_id TEXT NOT NULL REFERENCES course_groups(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		joined_at TEXT NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);

	-- CRITICAL: one group per course per user
	CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_user_course
		ON group_memberships(user_id, course_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		start_date TEXT NOT NULL,
		UNIQUE(user_id, course_id)
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_course
		ON subscriptions(course_id);

	-- Outbox for group placement, written with the subscription
	CREATE TABLE IF NOT EXISTS placement_tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(user_id, course_id)
	);

	CREATE INDEX IF NOT EXISTS idx_placement_tasks_status
		ON placement_tasks(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONAL STORE (market.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx market.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txView implements market.Tx on top of a *sql.Tx.
type txView struct {
	q querier
}

func (t *txView) User(ctx context.Context, id market.UserID) (market.User, error) {
	return getUser(ctx, t.q, id)
}

func (t *txView) InsertUser(ctx context.Context, u market.User) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO users (id, email, username, first_name, last_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.Username, u.FirstName, u.LastName, formatTime(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err, "users.email") {
			return fmt.Errorf("%w: %s", market.ErrEmailTaken, u.Email)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (t *txView) Balance(ctx context.Context, userID market.UserID) (market.Balance, error) {
	return getBalance(ctx, t.q, userID)
}

func (t *txView) InsertBalance(ctx context.Context, b market.Balance) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO balances (user_id, amount, version, updated_at)
		VALUES (?, ?, ?, ?)
	`, b.UserID, b.Amount.String(), b.Version, formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert balance: %w", err)
	}
	return nil
}

func (t *txView) PutBalance(ctx context.Context, b market.Balance) error {
	return putBalance(ctx, t.q, b)
}

func (t *txView) Course(ctx context.Context, id market.CourseID) (market.Course, error) {
	return getCourse(ctx, t.q, id)
}

func (t *txView) HasSubscription(ctx context.Context, userID market.UserID, courseID market.CourseID) (bool, error) {
	var count int
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subscriptions WHERE user_id = ? AND course_id = ?",
		userID, courseID,
	).Scan(&count)
	return count > 0, err
}

func (t *txView) InsertSubscription(ctx context.Context, sub market.Subscription) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, course_id, start_date)
		VALUES (?, ?, ?, ?)
	`, sub.ID, sub.UserID, sub.CourseID, formatTime(sub.StartDate))
	if err != nil {
		if isUniqueViolation(err, "subscriptions.user_id") {
			return market.ErrAlreadyEnrolled
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (t *txView) CourseGroups(ctx context.Context, courseID market.CourseID) ([]market.GroupLoad, error) {
	return courseGroups(ctx, t.q, courseID)
}

func (t *txView) InsertGroups(ctx context.Context, groups []market.Group) error {
	for _, g := range groups {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO course_groups (id, course_id, title, pool_slot, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, g.ID, g.CourseID, g.Title, g.PoolSlot, formatTime(g.CreatedAt))
		if err != nil {
			if isUniqueViolation(err, "course_groups.course_id") {
				return market.ErrGroupPoolExists
			}
			return fmt.Errorf("failed to insert group: %w", err)
		}
	}
	return nil
}

func (t *txView) MembershipFor(ctx context.Context, userID market.UserID, courseID market.CourseID) (market.GroupID, bool, error) {
	var groupID market.GroupID
	err := t.q.QueryRowContext(ctx,
		"SELECT group_id FROM group_memberships WHERE user_id = ? AND course_id = ?",
		userID, courseID,
	).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return groupID, true, nil
}

func (t *txView) InsertMembership(ctx context.Context, m market.Membership) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO group_memberships (group_id, user_id, course_id, joined_at)
		VALUES (?, ?, ?, ?)
	`, m.GroupID, m.UserID, m.CourseID, formatTime(m.JoinedAt))
	if err != nil {
		if isUniqueViolation(err, "group_memberships.") {
			return market.ErrAlreadyPlaced
		}
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

func (t *txView) EnqueuePlacement(ctx context.Context, task market.PlacementTask) error {
	status := task.Status
	if status == "" {
		status = market.PlacementPending
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO placement_tasks (id, user_id, course_id, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.UserID, task.CourseID, status, task.Attempts,
		nullString(task.LastError), formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err, "placement_tasks.user_id") {
			return market.ErrAlreadyEnrolled
		}
		return fmt.Errorf("failed to enqueue placement: %w", err)
	}
	return nil
}

func (t *txView) CompletePlacement(ctx context.Context, userID market.UserID, courseID market.CourseID) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE placement_tasks SET status = ?, updated_at = ?
		WHERE user_id = ? AND course_id = ?
	`, market.PlacementDone, formatTime(time.Now()), userID, courseID)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id market.UserID) (market.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUser(ctx, s.db, id)
}

// GetBalance retrieves a user's balance.
func (s *Store) GetBalance(ctx context.Context, userID market.UserID) (market.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBalance(ctx, s.db, userID)
}

// ListSubscriptions returns the user's subscriptions, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, userID market.UserID) ([]market.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, course_id, start_date
		FROM subscriptions
		WHERE user_id = ?
		ORDER BY start_date DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []market.Subscription
	for rows.Next() {
		var sub market.Subscription
		var startDate string
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.CourseID, &startDate); err != nil {
			return nil, err
		}
		sub.StartDate = parseTime(startDate)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func getUser(ctx context.Context, q querier, id market.UserID) (market.User, error) {
	var u market.User
	var createdAt string

	err := q.QueryRowContext(ctx,
		"SELECT id, email, username, first_name, last_name, created_at FROM users WHERE id = ?",
		id,
	).Scan(&u.ID, &u.Email, &u.Username, &u.FirstName, &u.LastName, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return market.User{}, fmt.Errorf("%w: %s", market.ErrUserNotFound, id)
	}
	if err != nil {
		return market.User{}, err
	}

	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

func getBalance(ctx context.Context, q querier, userID market.UserID) (market.Balance, error) {
	var b market.Balance
	var amount, updatedAt string

	err := q.QueryRowContext(ctx,
		"SELECT user_id, amount, version, updated_at FROM balances WHERE user_id = ?",
		userID,
	).Scan(&b.UserID, &amount, &b.Version, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return market.Balance{}, fmt.Errorf("%w: no balance for %s", market.ErrUserNotFound, userID)
	}
	if err != nil {
		return market.Balance{}, err
	}

	b.Amount, err = market.ParseMoney(amount)
	if err != nil {
		return market.Balance{}, fmt.Errorf("corrupt balance for %s: %w", userID, err)
	}
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

func putBalance(ctx context.Context, q querier, b market.Balance) error {
	if err := b.Validate(); err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE balances SET amount = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?
	`, b.Amount.String(), formatTime(time.Now()), b.UserID, b.Version)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := getBalance(ctx, q, b.UserID); err != nil {
			return err
		}
		return market.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

// SaveCourse saves a course.
func (s *Store) SaveCourse(ctx context.Context, c market.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO courses (id, author_id, title, price, is_available, start_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			author_id = excluded.author_id,
			title = excluded.title,
			price = excluded.price,
			is_available = excluded.is_available,
			start_date = excluded.start_date
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, nullString(string(c.AuthorID)), c.Title, c.Price.String(),
		c.IsAvailable, formatTime(c.StartDate), formatTime(c.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: author %s", market.ErrUserNotFound, c.AuthorID)
		}
		return fmt.Errorf("failed to save course: %w", err)
	}
	return nil
}

// GetCourse retrieves a course by ID.
func (s *Store) GetCourse(ctx context.Context, id market.CourseID) (market.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCourse(ctx, s.db, id)
}

// ListCourses returns courses ordered by start date.
func (s *Store) ListCourses(ctx context.Context, onlyAvailable bool) ([]market.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, author_id, title, price, is_available, start_date, created_at
		FROM courses
	`
	if onlyAvailable {
		query += " WHERE is_available = TRUE"
	}
	query += " ORDER BY start_date ASC, title ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query courses: %w", err)
	}
	defer rows.Close()

	var courses []market.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getCourse(ctx context.Context, q querier, id market.CourseID) (market.Course, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, author_id, title, price, is_available, start_date, created_at
		FROM courses WHERE id = ?
	`, id)

	c, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Course{}, fmt.Errorf("%w: %s", market.ErrCourseNotFound, id)
	}
	return c, err
}

func scanCourse(row rowScanner) (market.Course, error) {
	var (
		c         market.Course
		authorID  sql.NullString
		price     string
		startDate string
		createdAt string
	)

	if err := row.Scan(&c.ID, &authorID, &c.Title, &price, &c.IsAvailable, &startDate, &createdAt); err != nil {
		return market.Course{}, err
	}

	var err error
	c.Price, err = market.ParseMoney(price)
	if err != nil {
		return market.Course{}, fmt.Errorf("corrupt price for course %s: %w", c.ID, err)
	}
	c.AuthorID = market.UserID(authorID.String)
	c.StartDate = parseTime(startDate)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

// SaveLesson saves a lesson.
func (s *Store) SaveLesson(ctx context.Context, l market.Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lessons (id, course_id, title, link, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			link = excluded.link
	`, l.ID, l.CourseID, l.Title, l.Link, formatTime(l.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", market.ErrCourseNotFound, l.CourseID)
		}
		return fmt.Errorf("failed to save lesson: %w", err)
	}
	return nil
}

// ListLessons returns the lessons of a course in creation order.
func (s *Store) ListLessons(ctx context.Context, courseID market.CourseID) ([]market.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, course_id, title, link, created_at
		FROM lessons
		WHERE course_id = ?
		ORDER BY created_at ASC, id ASC
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lessons: %w", err)
	}
	defer rows.Close()

	var lessons []market.Lesson
	for rows.Next() {
		var l market.Lesson
		var createdAt string
		if err := rows.Scan(&l.ID, &l.CourseID, &l.Title, &l.Link, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = parseTime(createdAt)
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

// ListGroups returns the course's groups with member counts.
func (s *Store) ListGroups(ctx context.Context, courseID market.CourseID) ([]market.GroupLoad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return courseGroups(ctx, s.db, courseID)
}

// ListMembers returns the users seated in a group, in join order.
func (s *Store) ListMembers(ctx context.Context, groupID market.GroupID) ([]market.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.username, u.first_name, u.last_name, u.created_at
		FROM group_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.group_id = ?
		ORDER BY m.joined_at ASC, u.id ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var users []market.User
	for rows.Next() {
		var u market.User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.FirstName, &u.LastName, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

func courseGroups(ctx context.Context, q querier, courseID market.CourseID) ([]market.GroupLoad, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT g.id, g.course_id, g.title, g.pool_slot, g.created_at, COUNT(m.user_id)
		FROM course_groups g
		LEFT JOIN group_memberships m ON m.group_id = g.id
		WHERE g.course_id = ?
		GROUP BY g.id
		ORDER BY g.pool_slot ASC, g.id ASC
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var loads []market.GroupLoad
	for rows.Next() {
		var gl market.GroupLoad
		var createdAt string
		if err := rows.Scan(&gl.Group.ID, &gl.Group.CourseID, &gl.Group.Title,
			&gl.Group.PoolSlot, &createdAt, &gl.Members); err != nil {
			return nil, err
		}
		gl.Group.CreatedAt = parseTime(createdAt)
		loads = append(loads, gl)
	}
	return loads, rows.Err()
}

// =============================================================================
// PLACEMENT QUEUE
// =============================================================================

// PendingPlacements returns up to limit pending tasks, oldest first.
func (s *Store) PendingPlacements(ctx context.Context, limit int) ([]market.PlacementTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, course_id, status, attempts, last_error, created_at, updated_at
		FROM placement_tasks
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, market.PlacementPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query placement tasks: %w", err)
	}
	defer rows.Close()

	var tasks []market.PlacementTask
	for rows.Next() {
		var (
			task      market.PlacementTask
			lastError sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&task.ID, &task.UserID, &task.CourseID, &task.Status,
			&task.Attempts, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		task.LastError = lastError.String
		task.CreatedAt = parseTime(createdAt)
		task.UpdatedAt = parseTime(updatedAt)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// RecordPlacementFailure bumps the attempt counter and stores the reason.
func (s *Store) RecordPlacementFailure(ctx context.Context, taskID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE placement_tasks
		SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, reason, formatTime(time.Now()), taskID)
	return err
}

// =============================================================================
// COUNTER (market.Counter interface)
// =============================================================================

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM users")
}

func (s *Store) CountLessons(ctx context.Context, courseID market.CourseID) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM lessons WHERE course_id = ?", courseID)
}

func (s *Store) CountSubscriptions(ctx context.Context, courseID market.CourseID) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM subscriptions WHERE course_id = ?", courseID)
}

func (s *Store) GroupMemberCounts(ctx context.Context, courseID market.CourseID) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loads, err := courseGroups(ctx, s.db, courseID)
	if err != nil {
		return nil, err
	}
	counts := make([]int, len(loads))
	for i, gl := range loads {
		counts[i] = gl.Members
	}
	return counts, nil
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// isUniqueViolation reports whether err is a UNIQUE/PRIMARY KEY violation
// whose message names the given "table.column" prefix.
func isUniqueViolation(err error, column string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	if sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique &&
		sqliteErr.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return strings.Contains(sqliteErr.Error(), column)
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
