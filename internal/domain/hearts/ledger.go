package hearts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitalhearts/core/internal/gateways/kv"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidUser   = errors.New("user id required")
	// ErrContention is returned (wrapped as retryable) when the daily reset
	// kept racing with other writers.
	ErrContention = errors.New("balance row contended")
)

const (
	DefaultDailyCap = 500

	maxCreditAttempts = 3

	attrBalance   = "balance"
	attrLifetime  = "lifetimeEarned"
	attrDailyCap  = "dailyCap"
	attrResetDate = "dailyCapResetDate"
)

type Outcome string

const (
	OutcomeCredited          Outcome = "credited"
	OutcomeDebited           Outcome = "debited"
	OutcomeCapped            Outcome = "capped"
	OutcomeInsufficientFunds Outcome = "insufficientFunds"
)

type Balance struct {
	User           string
	Balance        int64
	LifetimeEarned int64
	DailyCap       int64
	ResetDate      string
}

// Result carries the outcome and the balance row it was decided against:
// the new row on success, the current row otherwise.
type Result struct {
	Outcome Outcome
	Balance Balance
}

func (r Result) Applied() bool {
	return r.Outcome == OutcomeCredited || r.Outcome == OutcomeDebited
}

// Ledger owns the per-user hearts balance row.
type Ledger struct {
	store kv.Store
	daily int64
}

func NewLedger(store kv.Store, dailyCap int64) *Ledger {
	if dailyCap <= 0 {
		dailyCap = DefaultDailyCap
	}
	return &Ledger{store: store, daily: dailyCap}
}

func (l *Ledger) DailyCap() int64 {
	return l.daily
}

func balanceKey(user string) kv.Key {
	return kv.Key{Partition: "USER#" + user, Sort: "BALANCE"}
}

func decodeBalance(user string, item kv.Item) Balance {
	b := Balance{User: user}
	if item == nil {
		return b
	}
	b.Balance, _ = item.Int(attrBalance)
	b.LifetimeEarned, _ = item.Int(attrLifetime)
	b.DailyCap, _ = item.Int(attrDailyCap)
	b.ResetDate = item.String(attrResetDate)
	return b
}

func validate(user string, amount int64) error {
	if user == "" {
		return ErrInvalidUser
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

// Balance reads the user's row. A user who never earned has a zero balance.
func (l *Ledger) Balance(ctx context.Context, user string) (Balance, error) {
	if user == "" {
		return Balance{}, ErrInvalidUser
	}
	item, err := l.store.Get(ctx, balanceKey(user))
	if err != nil {
		return Balance{}, fmt.Errorf("failed to read balance: %w", err)
	}
	return decodeBalance(user, item), nil
}

// Credit adds amount to the balance. today is the caller's calendar day; the
// first credit of a new day replenishes dailyCap in the same write. Unless
// skipCap is set, the credit must fit in what is left of today's cap or the
// call returns OutcomeCapped. A row already reset for a later day than today
// is treated as capped.
func (l *Ledger) Credit(ctx context.Context, user string, amount int64, today time.Time, skipCap bool) (Result, error) {
	if err := validate(user, amount); err != nil {
		return Result{}, err
	}
	date := today.Format(time.DateOnly)
	key := balanceKey(user)

	if !skipCap && amount > l.daily {
		cur, err := l.Balance(ctx, user)
		if err != nil {
			return Result{}, err
		}
		return l.capped(ctx, cur, amount), nil
	}

	sameDay := kv.Update{
		Add: map[string]int64{
			attrBalance:  amount,
			attrLifetime: amount,
		},
		// no reset needed once the row's day has reached today
		Condition: kv.GreaterOrEqual(attrResetDate, date),
	}
	if !skipCap {
		sameDay.Add[attrDailyCap] = -amount
		sameDay.Condition = kv.And(kv.Equal(attrResetDate, date), kv.GreaterOrEqual(attrDailyCap, amount))
	}

	remaining := l.daily
	if !skipCap {
		remaining -= amount
	}
	reset := kv.Update{
		Set: map[string]any{
			attrResetDate: date,
			attrDailyCap:  remaining,
		},
		Add: map[string]int64{
			attrBalance:  amount,
			attrLifetime: amount,
		},
		// ISO dates order lexically; a caller behind the stored day never resets it
		Condition: kv.Or(kv.NotExists(attrResetDate), kv.Less(attrResetDate, date)),
	}

	for attempt := 0; attempt < maxCreditAttempts; attempt++ {
		res, err := l.store.Update(ctx, key, sameDay)
		if err != nil {
			return Result{}, fmt.Errorf("failed to credit hearts: %w", err)
		}
		if res.Applied {
			return l.credited(ctx, user, res.Item, amount, skipCap), nil
		}
		if res.Item != nil && res.Item.String(attrResetDate) >= date {
			return l.capped(ctx, decodeBalance(user, res.Item), amount), nil
		}

		res, err = l.store.Update(ctx, key, reset)
		if err != nil {
			return Result{}, fmt.Errorf("failed to credit hearts: %w", err)
		}
		if res.Applied {
			return l.credited(ctx, user, res.Item, amount, skipCap), nil
		}
		// another writer reset the day first; the same-day path decides now
	}
	return Result{}, kv.Retryable("credit", fmt.Errorf("%w: user %s", ErrContention, user))
}

func (l *Ledger) credited(ctx context.Context, user string, item kv.Item, amount int64, skipCap bool) Result {
	b := decodeBalance(user, item)
	slog.LogAttrs(ctx, slog.LevelInfo, "Hearts credited",
		slog.String("type", "economy"),
		slog.String("user", user),
		slog.Int64("amount", amount),
		slog.Bool("skip_cap", skipCap),
		slog.Int64("balance", b.Balance),
		slog.Int64("daily_cap", b.DailyCap))
	return Result{Outcome: OutcomeCredited, Balance: b}
}

func (l *Ledger) capped(ctx context.Context, cur Balance, amount int64) Result {
	slog.LogAttrs(ctx, slog.LevelDebug, "Hearts credit capped",
		slog.String("type", "economy"),
		slog.String("user", cur.User),
		slog.Int64("amount", amount),
		slog.Int64("daily_cap", cur.DailyCap))
	return Result{Outcome: OutcomeCapped, Balance: cur}
}

// Debit spends amount if the stored balance covers it. A short balance is
// OutcomeInsufficientFunds, carrying the balance that was checked.
func (l *Ledger) Debit(ctx context.Context, user string, amount int64) (Result, error) {
	if err := validate(user, amount); err != nil {
		return Result{}, err
	}
	res, err := l.store.Update(ctx, balanceKey(user), kv.Update{
		Add:       map[string]int64{attrBalance: -amount},
		Condition: kv.GreaterOrEqual(attrBalance, amount),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to debit hearts: %w", err)
	}
	b := decodeBalance(user, res.Item)
	if !res.Applied {
		slog.LogAttrs(ctx, slog.LevelDebug, "Hearts debit refused",
			slog.String("type", "economy"),
			slog.String("user", user),
			slog.Int64("amount", amount),
			slog.Int64("balance", b.Balance))
		return Result{Outcome: OutcomeInsufficientFunds, Balance: b}, nil
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "Hearts debited",
		slog.String("type", "economy"),
		slog.String("user", user),
		slog.Int64("amount", amount),
		slog.Int64("balance", b.Balance))
	return Result{Outcome: OutcomeDebited, Balance: b}, nil
}
