/*
Package accounts manages users and their balances.

LIFECYCLE:
  A user and its balance are created together in one transaction, the
  balance starting at StartingBalance. There is never a user without a
  balance.

TOP-UPS:
  Credit adds a strictly positive amount. Like enrollment it writes the
  balance with a version check and retries on ErrConcurrentModification.
*/
package accounts

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/course-market/market"
)

const defaultRetries = 3

// NewUser is the input to CreateUser.
type NewUser struct {
	Email     string
	Username  string
	FirstName string
	LastName  string
}

func (n NewUser) Validate() error {
	if _, err := mail.ParseAddress(n.Email); err != nil {
		return fmt.Errorf("%w: email %q", market.ErrInvalidInput, n.Email)
	}
	if strings.TrimSpace(n.Username) == "" {
		return fmt.Errorf("%w: username is required", market.ErrInvalidInput)
	}
	return nil
}

type Service struct {
	store           market.TxStore
	startingBalance market.Money
	log             *zap.Logger
	retries         int

	now func() time.Time
}

func NewService(store market.TxStore, startingBalance market.Money, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:           store,
		startingBalance: startingBalance,
		log:             log,
		retries:         defaultRetries,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser registers a user with the starting balance.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (market.User, market.Balance, error) {
	if err := in.Validate(); err != nil {
		return market.User{}, market.Balance{}, err
	}

	now := s.now()
	user := market.User{
		ID:        market.UserID(market.NewID()),
		Email:     strings.ToLower(strings.TrimSpace(in.Email)),
		Username:  strings.TrimSpace(in.Username),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		CreatedAt: now,
	}
	balance := market.Balance{
		UserID:    user.ID,
		Amount:    s.startingBalance,
		UpdatedAt: now,
	}

	err := s.store.WithTx(ctx, func(tx market.Tx) error {
		if err := tx.InsertUser(ctx, user); err != nil {
			return err
		}
		return tx.InsertBalance(ctx, balance)
	})
	if err != nil {
		return market.User{}, market.Balance{}, err
	}

	s.log.Info("user created",
		zap.String("user_id", string(user.ID)),
		zap.String("starting_balance", balance.Amount.String()))
	return user, balance, nil
}

// Credit tops up the user's balance and returns the new balance.
func (s *Service) Credit(ctx context.Context, userID market.UserID, amount market.Money) (market.Balance, error) {
	if !amount.IsPositive() {
		return market.Balance{}, fmt.Errorf("%w: credit must be positive, got %s", market.ErrInvalidAmount, amount)
	}

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		var updated market.Balance
		err := s.store.WithTx(ctx, func(tx market.Tx) error {
			current, err := tx.Balance(ctx, userID)
			if err != nil {
				return err
			}
			next, err := current.Credit(amount)
			if err != nil {
				return err
			}
			if err := tx.PutBalance(ctx, next); err != nil {
				return err
			}
			updated, err = tx.Balance(ctx, userID)
			return err
		})
		if err == nil {
			s.log.Info("balance credited",
				zap.String("user_id", string(userID)),
				zap.String("amount", amount.String()),
				zap.String("balance", updated.Amount.String()))
			return updated, nil
		}
		if !market.IsRetryable(err) {
			return market.Balance{}, err
		}
		lastErr = err
	}
	return market.Balance{}, fmt.Errorf("credit gave up after %d attempts: %w", s.retries, lastErr)
}
