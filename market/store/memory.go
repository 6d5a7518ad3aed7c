// Package store provides an in-memory market.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/course-market/market"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st state
}

var _ market.Store = (*Memory)(nil)

type pairKey struct {
	UserID   market.UserID
	CourseID market.CourseID
}

type slotKey struct {
	CourseID market.CourseID
	Slot     int
}

type state struct {
	users         map[market.UserID]market.User
	emails        map[string]market.UserID
	balances      map[market.UserID]market.Balance
	courses       map[market.CourseID]market.Course
	lessons       map[market.LessonID]market.Lesson
	groups        map[market.GroupID]market.Group
	slots         map[slotKey]market.GroupID
	memberships   map[pairKey]market.Membership
	subscriptions map[pairKey]market.Subscription
	tasks         map[pairKey]market.PlacementTask
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func newState() state {
	return state{
		users:         make(map[market.UserID]market.User),
		emails:        make(map[string]market.UserID),
		balances:      make(map[market.UserID]market.Balance),
		courses:       make(map[market.CourseID]market.Course),
		lessons:       make(map[market.LessonID]market.Lesson),
		groups:        make(map[market.GroupID]market.Group),
		slots:         make(map[slotKey]market.GroupID),
		memberships:   make(map[pairKey]market.Membership),
		subscriptions: make(map[pairKey]market.Subscription),
		tasks:         make(map[pairKey]market.PlacementTask),
	}
}

// snapshot copies every map so a failed transaction can be rolled back.
func (s *state) snapshot() state {
	cp := newState()
	for k, v := range s.users {
		cp.users[k] = v
	}
	for k, v := range s.emails {
		cp.emails[k] = v
	}
	for k, v := range s.balances {
		cp.balances[k] = v
	}
	for k, v := range s.courses {
		cp.courses[k] = v
	}
	for k, v := range s.lessons {
		cp.lessons[k] = v
	}
	for k, v := range s.groups {
		cp.groups[k] = v
	}
	for k, v := range s.slots {
		cp.slots[k] = v
	}
	for k, v := range s.memberships {
		cp.memberships[k] = v
	}
	for k, v := range s.subscriptions {
		cp.subscriptions[k] = v
	}
	for k, v := range s.tasks {
		cp.tasks[k] = v
	}
	return cp
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(tx market.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.snapshot()

	if err := fn(&txMemoryView{st: &m.st}); err != nil {
		m.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

type txMemoryView struct {
	st *state
}

func (tv *txMemoryView) User(_ context.Context, id market.UserID) (market.User, error) {
	return tv.st.user(id)
}

func (tv *txMemoryView) InsertUser(_ context.Context, u market.User) error {
	if _, taken := tv.st.emails[u.Email]; taken {
		return fmt.Errorf("%w: %s", market.ErrEmailTaken, u.Email)
	}
	if _, exists := tv.st.users[u.ID]; exists {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	tv.st.users[u.ID] = u
	tv.st.emails[u.Email] = u.ID
	return nil
}

func (tv *txMemoryView) Balance(_ context.Context, userID market.UserID) (market.Balance, error) {
	return tv.st.balance(userID)
}

func (tv *txMemoryView) InsertBalance(_ context.Context, b market.Balance) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if _, ok := tv.st.users[b.UserID]; !ok {
		return fmt.Errorf("%w: %s", market.ErrUserNotFound, b.UserID)
	}
	tv.st.balances[b.UserID] = b
	return nil
}

func (tv *txMemoryView) PutBalance(_ context.Context, b market.Balance) error {
	if err := b.Validate(); err != nil {
		return err
	}
	current, err := tv.st.balance(b.UserID)
	if err != nil {
		return err
	}
	if current.Version != b.Version {
		return market.ErrConcurrentModification
	}
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	tv.st.balances[b.UserID] = b
	return nil
}

func (tv *txMemoryView) Course(_ context.Context, id market.CourseID) (market.Course, error) {
	return tv.st.course(id)
}

func (tv *txMemoryView) HasSubscription(_ context.Context, userID market.UserID, courseID market.CourseID) (bool, error) {
	_, ok := tv.st.subscriptions[pairKey{userID, courseID}]
	return ok, nil
}

func (tv *txMemoryView) InsertSubscription(_ context.Context, sub market.Subscription) error {
	k := pairKey{sub.UserID, sub.CourseID}
	if _, ok := tv.st.subscriptions[k]; ok {
		return market.ErrAlreadyEnrolled
	}
	tv.st.subscriptions[k] = sub
	return nil
}

func (tv *txMemoryView) CourseGroups(_ context.Context, courseID market.CourseID) ([]market.GroupLoad, error) {
	return tv.st.courseGroups(courseID), nil
}

func (tv *txMemoryView) InsertGroups(_ context.Context, groups []market.Group) error {
	for _, g := range groups {
		k := slotKey{g.CourseID, g.PoolSlot}
		if _, taken := tv.st.slots[k]; taken {
			return market.ErrGroupPoolExists
		}
		tv.st.slots[k] = g.ID
		tv.st.groups[g.ID] = g
	}
	return nil
}

func (tv *txMemoryView) MembershipFor(_ context.Context, userID market.UserID, courseID market.CourseID) (market.GroupID, bool, error) {
	m, ok := tv.st.memberships[pairKey{userID, courseID}]
	return m.GroupID, ok, nil
}

func (tv *txMemoryView) InsertMembership(_ context.Context, m market.Membership) error {
	k := pairKey{m.UserID, m.CourseID}
	if _, ok := tv.st.memberships[k]; ok {
		return market.ErrAlreadyPlaced
	}
	if _, ok := tv.st.groups[m.GroupID]; !ok {
		return fmt.Errorf("%w: %s", market.ErrGroupNotFound, m.GroupID)
	}
	tv.st.memberships[k] = m
	return nil
}

func (tv *txMemoryView) EnqueuePlacement(_ context.Context, t market.PlacementTask) error {
	k := pairKey{t.UserID, t.CourseID}
	if _, ok := tv.st.tasks[k]; ok {
		return market.ErrAlreadyEnrolled
	}
	if t.Status == "" {
		t.Status = market.PlacementPending
	}
	tv.st.tasks[k] = t
	return nil
}

func (tv *txMemoryView) CompletePlacement(_ context.Context, userID market.UserID, courseID market.CourseID) error {
	k := pairKey{userID, courseID}
	if t, ok := tv.st.tasks[k]; ok {
		t.Status = market.PlacementDone
		t.UpdatedAt = time.Now().UTC()
		tv.st.tasks[k] = t
	}
	return nil
}

// =============================================================================
// READS AND NON-TRANSACTIONAL WRITES
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id market.UserID) (market.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.user(id)
}

func (m *Memory) GetBalance(_ context.Context, userID market.UserID) (market.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.balance(userID)
}

func (m *Memory) ListSubscriptions(_ context.Context, userID market.UserID) ([]market.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var subs []market.Subscription
	for k, sub := range m.st.subscriptions {
		if k.UserID == userID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].StartDate.After(subs[j].StartDate)
	})
	return subs, nil
}

func (m *Memory) SaveCourse(_ context.Context, c market.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.AuthorID != "" {
		if _, ok := m.st.users[c.AuthorID]; !ok {
			return fmt.Errorf("%w: author %s", market.ErrUserNotFound, c.AuthorID)
		}
	}
	if existing, ok := m.st.courses[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	m.st.courses[c.ID] = c
	return nil
}

func (m *Memory) GetCourse(_ context.Context, id market.CourseID) (market.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.course(id)
}

func (m *Memory) ListCourses(_ context.Context, onlyAvailable bool) ([]market.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var courses []market.Course
	for _, c := range m.st.courses {
		if onlyAvailable && !c.IsAvailable {
			continue
		}
		courses = append(courses, c)
	}
	sort.Slice(courses, func(i, j int) bool {
		if !courses[i].StartDate.Equal(courses[j].StartDate) {
			return courses[i].StartDate.Before(courses[j].StartDate)
		}
		return courses[i].Title < courses[j].Title
	})
	return courses, nil
}

func (m *Memory) SaveLesson(_ context.Context, l market.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.st.courses[l.CourseID]; !ok {
		return fmt.Errorf("%w: %s", market.ErrCourseNotFound, l.CourseID)
	}
	m.st.lessons[l.ID] = l
	return nil
}

func (m *Memory) ListLessons(_ context.Context, courseID market.CourseID) ([]market.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lessons []market.Lesson
	for _, l := range m.st.lessons {
		if l.CourseID == courseID {
			lessons = append(lessons, l)
		}
	}
	sort.Slice(lessons, func(i, j int) bool {
		if !lessons[i].CreatedAt.Equal(lessons[j].CreatedAt) {
			return lessons[i].CreatedAt.Before(lessons[j].CreatedAt)
		}
		return lessons[i].ID < lessons[j].ID
	})
	return lessons, nil
}

func (m *Memory) ListGroups(_ context.Context, courseID market.CourseID) ([]market.GroupLoad, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.courseGroups(courseID), nil
}

func (m *Memory) ListMembers(_ context.Context, groupID market.GroupID) ([]market.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var seats []market.Membership
	for _, ms := range m.st.memberships {
		if ms.GroupID == groupID {
			seats = append(seats, ms)
		}
	}
	sort.Slice(seats, func(i, j int) bool {
		if !seats[i].JoinedAt.Equal(seats[j].JoinedAt) {
			return seats[i].JoinedAt.Before(seats[j].JoinedAt)
		}
		return seats[i].UserID < seats[j].UserID
	})

	users := make([]market.User, 0, len(seats))
	for _, ms := range seats {
		if u, ok := m.st.users[ms.UserID]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

func (m *Memory) PendingPlacements(_ context.Context, limit int) ([]market.PlacementTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tasks []market.PlacementTask
	for _, t := range m.st.tasks {
		if t.Status == market.PlacementPending {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (m *Memory) RecordPlacementFailure(_ context.Context, taskID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, t := range m.st.tasks {
		if t.ID == taskID {
			t.Attempts++
			t.LastError = reason
			t.UpdatedAt = time.Now().UTC()
			m.st.tasks[k] = t
			return nil
		}
	}
	return nil
}

// =============================================================================
// COUNTER
// =============================================================================

func (m *Memory) CountUsers(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.st.users), nil
}

func (m *Memory) CountLessons(_ context.Context, courseID market.CourseID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, l := range m.st.lessons {
		if l.CourseID == courseID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountSubscriptions(_ context.Context, courseID market.CourseID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for k := range m.st.subscriptions {
		if k.CourseID == courseID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GroupMemberCounts(_ context.Context, courseID market.CourseID) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	loads := m.st.courseGroups(courseID)
	counts := make([]int, len(loads))
	for i, gl := range loads {
		counts[i] = gl.Members
	}
	return counts, nil
}

// =============================================================================
// STATE HELPERS (caller holds the lock)
// =============================================================================

func (s *state) user(id market.UserID) (market.User, error) {
	u, ok := s.users[id]
	if !ok {
		return market.User{}, fmt.Errorf("%w: %s", market.ErrUserNotFound, id)
	}
	return u, nil
}

func (s *state) balance(userID market.UserID) (market.Balance, error) {
	b, ok := s.balances[userID]
	if !ok {
		return market.Balance{}, fmt.Errorf("%w: no balance for %s", market.ErrUserNotFound, userID)
	}
	return b, nil
}

func (s *state) course(id market.CourseID) (market.Course, error) {
	c, ok := s.courses[id]
	if !ok {
		return market.Course{}, fmt.Errorf("%w: %s", market.ErrCourseNotFound, id)
	}
	return c, nil
}

func (s *state) courseGroups(courseID market.CourseID) []market.GroupLoad {
	counts := make(map[market.GroupID]int)
	for k, ms := range s.memberships {
		if k.CourseID == courseID {
			counts[ms.GroupID]++
		}
	}

	var loads []market.GroupLoad
	for _, g := range s.groups {
		if g.CourseID == courseID {
			loads = append(loads, market.GroupLoad{Group: g, Members: counts[g.ID]})
		}
	}
	sort.Slice(loads, func(i, j int) bool {
		if loads[i].Group.PoolSlot != loads[j].Group.PoolSlot {
			return loads[i].Group.PoolSlot < loads[j].Group.PoolSlot
		}
		return loads[i].Group.ID < loads[j].Group.ID
	})
	return loads
}
