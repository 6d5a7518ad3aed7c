/*
Package market provides the core types of the course marketplace.

PURPOSE:
  Everything the enrollment flow, the group-assignment policy and the
  reporting layer agree on lives here: identifiers, money, the persisted
  records, the error taxonomy and the store contracts. Packages above this
  one (enrollment, grouping, reporting, api) depend on market; market
  depends on nothing but decimal and uuid.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: a decimal amount with two fractional digits (bonuses)
  - Balance: the single non-negative amount a user can spend
  - Course / Lesson / Group: the catalog
  - Subscription: "user owns access to course", unique per (user, course)
  - Membership: a user's seat in one group of one course
  - PlacementTask: outbox row that guarantees every subscription is
    eventually placed into a group

DESIGN PRINCIPLES:
  1. Precision: Money wraps decimal.Decimal, never float64
  2. Type Safety: distinct ID types so a CourseID can't be passed as a UserID
  3. Invariants close to data: Balance.Validate/Debit/Credit refuse to
     produce a negative amount

USAGE:
  price := market.MustMoney("500.00")
  bal := market.Balance{UserID: "u-1", Amount: market.MustMoney("1000")}
  next, err := bal.Debit(price) // next.Amount == 500.00

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence contracts
*/
package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal amount of bonuses
// =============================================================================

// MoneyScale is the number of fractional digits stored for every amount.
const MoneyScale = 2

type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value).Round(MoneyScale)}
}

func NewMoneyFromInt(value int64) Money {
	return Money{Value: decimal.NewFromInt(value)}
}

// ParseMoney parses a decimal string such as "1000.00".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Money{Value: d.Round(MoneyScale)}, nil
}

// MustMoney is ParseMoney for literals; it panics on malformed input.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) IsNegative() bool { return m.Value.IsNegative() }
func (m Money) IsPositive() bool { return m.Value.IsPositive() }
func (m Money) IsZero() bool { return m.Value.IsZero() }
func (m Money) LessThan(o Money) bool { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) Equal(o Money) bool { return m.Value.Equal(o.Value) }
func (m Money) String() string { return m.Value.StringFixed(MoneyScale) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type CourseID string
type LessonID string
type GroupID string
type SubscriptionID string

// NewID returns a random identifier suitable for any of the ID types.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// User is a student (or author) known to the marketplace. Identity itself is
// owned by the upstream identity provider; this is the profile we keep.
type User struct {
	ID        UserID
	Email     string
	Username  string
	FirstName string
	LastName  string
	CreatedAt time.Time
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Balance is the user's spendable amount. Exactly one per user, created
// together with the user.
//
// INVARIANT: Amount >= 0. Every write path calls Validate first.
type Balance struct {
	UserID    UserID
	Amount    Money
	Version   int64 // optimistic concurrency counter, bumped on every write
	UpdatedAt time.Time
}

// Validate rejects a balance that would violate the non-negativity invariant.
func (b Balance) Validate() error {
	if b.Amount.IsNegative() {
		return fmt.Errorf("%w: user %s amount %s", ErrNegativeBalance, b.UserID, b.Amount)
	}
	return nil
}

// Debit returns the balance after paying price. The receiver is not modified.
func (b Balance) Debit(price Money) (Balance, error) {
	if price.IsNegative() {
		return b, fmt.Errorf("%w: negative price %s", ErrInvalidAmount, price)
	}
	if b.Amount.LessThan(price) {
		return b, &InsufficientFundsError{
			UserID:    b.UserID,
			Available: b.Amount,
			Price:     price,
			Shortfall: price.Sub(b.Amount),
		}
	}
	next := b
	next.Amount = b.Amount.Sub(price)
	return next, next.Validate()
}

// Credit returns the balance after a top-up of a strictly positive amount.
func (b Balance) Credit(amount Money) (Balance, error) {
	if !amount.IsPositive() {
		return b, fmt.Errorf("%w: credit must be positive, got %s", ErrInvalidAmount, amount)
	}
	next := b
	next.Amount = b.Amount.Add(amount)
	return next, nil
}

// =============================================================================
// CATALOG
// =============================================================================

type Course struct {
	ID          CourseID
	AuthorID    UserID
	Title       string
	Price       Money
	IsAvailable bool
	StartDate   time.Time
	CreatedAt   time.Time
}

type Lesson struct {
	ID        LessonID
	CourseID  CourseID
	Title     string
	Link      string
	CreatedAt time.Time
}

// Group belongs to one course. Groups are only ever created as a pool;
// PoolSlot is the group's index inside that pool (0..size-1).
type Group struct {
	ID        GroupID
	CourseID  CourseID
	Title     string
	PoolSlot  int
	CreatedAt time.Time
}

// GroupLoad is a group together with its current member count.
type GroupLoad struct {
	Group   Group
	Members int
}

// Membership seats a user in a group. CourseID is denormalized so the store
// can enforce "one group per course per user" with a plain unique index.
type Membership struct {
	GroupID  GroupID
	UserID   UserID
	CourseID CourseID
	JoinedAt time.Time
}

// =============================================================================
// ENROLLMENT
// =============================================================================

// Subscription grants a user access to a course. Unique per (user, course).
// Created only by the enrollment transaction, never updated.
type Subscription struct {
	ID        SubscriptionID
	UserID    UserID
	CourseID  CourseID
	StartDate time.Time
}

type PlacementStatus string

const (
	PlacementPending PlacementStatus = "pending"
	PlacementDone    PlacementStatus = "done"
)

// PlacementTask is written in the same transaction as the subscription and
// marked done once the user has a group. Pending tasks are retried.
type PlacementTask struct {
	ID        string
	UserID    UserID
	CourseID  CourseID
	Status    PlacementStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
