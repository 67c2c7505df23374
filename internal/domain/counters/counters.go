package counters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vitalhearts/core/internal/gateways/kv"
)

var (
	ErrInvalidSubject = errors.New("invalid counter subject")
	ErrInvalidDelta   = errors.New("counter delta must be non-zero")
	ErrTooManyEntries = errors.New("too many counter entries")
)

const (
	attrScore       = "score"
	attrUpdatedAt   = "updatedAt"
	attrLastDay     = "lastDay"
	attrRewardedDay = "rewardedDay"
)

// Order decides which of two scores is better.
type Order int

const (
	// Ascending treats higher scores as better.
	Ascending Order = iota
	// Descending treats lower scores as better (e.g. fastest time).
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "descending"
	}
	return "ascending"
}

// Subject identifies one counter row: a user's entry in a game.
type Subject struct {
	Game string
	User string
}

func (s Subject) Validate() error {
	if s.Game == "" || s.User == "" || strings.Contains(s.Game, "#") {
		return fmt.Errorf("%w: game=%q user=%q", ErrInvalidSubject, s.Game, s.User)
	}
	return nil
}

func (s Subject) key() kv.Key {
	return kv.Key{Partition: gamePartition(s.Game), Sort: "USER#" + s.User}
}

func gamePartition(game string) string {
	return "GAME#" + game
}

type Entry struct {
	Subject   Subject
	Score     int64
	UpdatedAt time.Time
	// LastDay and RewardedDay are the YYYY-MM-DD days of the last Advance and
	// the last ClaimReward. Both are empty on rows never written that way.
	LastDay     string
	RewardedDay string
}

// Store implements force/improve/increment semantics over single counter
// rows. Every write goes through one conditional update.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store, now: time.Now}
}

func decodeEntry(s Subject, item kv.Item) Entry {
	e := Entry{Subject: s}
	if item == nil {
		return e
	}
	e.Score, _ = item.Int(attrScore)
	e.LastDay = item.String(attrLastDay)
	e.RewardedDay = item.String(attrRewardedDay)
	if ms, ok := item.Int(attrUpdatedAt); ok {
		e.UpdatedAt = time.UnixMilli(ms)
	}
	return e
}

func (s *Store) Get(ctx context.Context, subj Subject) (Entry, bool, error) {
	if err := subj.Validate(); err != nil {
		return Entry{}, false, err
	}
	item, err := s.kv.Get(ctx, subj.key())
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get counter: %w", err)
	}
	if _, ok := item.Int(attrScore); !ok {
		return Entry{Subject: subj}, false, nil
	}
	return decodeEntry(subj, item), true, nil
}

// ForceSet overwrites the score unconditionally.
func (s *Store) ForceSet(ctx context.Context, subj Subject, value int64) (Entry, error) {
	if err := subj.Validate(); err != nil {
		return Entry{}, err
	}
	res, err := s.kv.Update(ctx, subj.key(), kv.Update{
		Set: map[string]any{
			attrScore:     value,
			attrUpdatedAt: s.now().UnixMilli(),
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to force counter: %w", err)
	}
	return decodeEntry(subj, res.Item), nil
}

// SetIfBetter writes value only when no score exists yet or value strictly
// beats the stored one. When it does not write, it returns the stored entry
// and false.
func (s *Store) SetIfBetter(ctx context.Context, subj Subject, value int64, order Order) (Entry, bool, error) {
	if err := subj.Validate(); err != nil {
		return Entry{}, false, err
	}
	better := kv.Less(attrScore, value)
	if order == Descending {
		better = kv.Greater(attrScore, value)
	}
	res, err := s.kv.Update(ctx, subj.key(), kv.Update{
		Set: map[string]any{
			attrScore:     value,
			attrUpdatedAt: s.now().UnixMilli(),
		},
		Condition: kv.Or(kv.NotExists(attrScore), better),
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to improve counter: %w", err)
	}
	return decodeEntry(subj, res.Item), res.Applied, nil
}

// Increment adds delta atomically, treating a missing score as 0.
func (s *Store) Increment(ctx context.Context, subj Subject, delta int64) (Entry, error) {
	if err := subj.Validate(); err != nil {
		return Entry{}, err
	}
	if delta == 0 {
		return Entry{}, ErrInvalidDelta
	}
	res, err := s.kv.Update(ctx, subj.key(), kv.Update{
		Add: map[string]int64{attrScore: delta},
		Set: map[string]any{attrUpdatedAt: s.now().UnixMilli()},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to increment counter: %w", err)
	}
	return decodeEntry(subj, res.Item), nil
}

// Advance counts day once: it adds 1 to the score when continued is set and
// restarts it at 1 otherwise. A row already advanced for day or a later day
// is left alone, and the stored entry is returned with false. Repeating a
// failed call is therefore safe.
func (s *Store) Advance(ctx context.Context, subj Subject, day string, continued bool) (Entry, bool, error) {
	if err := subj.Validate(); err != nil {
		return Entry{}, false, err
	}
	u := kv.Update{
		Set: map[string]any{
			attrLastDay:   day,
			attrUpdatedAt: s.now().UnixMilli(),
		},
		Condition: kv.Or(kv.NotExists(attrLastDay), kv.Less(attrLastDay, day)),
	}
	if continued {
		u.Add = map[string]int64{attrScore: 1}
	} else {
		u.Set[attrScore] = int64(1)
	}
	res, err := s.kv.Update(ctx, subj.key(), u)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to advance counter: %w", err)
	}
	return decodeEntry(subj, res.Item), res.Applied, nil
}

// ClaimReward marks day as rewarded. Only one caller per day gets true.
func (s *Store) ClaimReward(ctx context.Context, subj Subject, day string) (bool, error) {
	if err := subj.Validate(); err != nil {
		return false, err
	}
	res, err := s.kv.Update(ctx, subj.key(), kv.Update{
		Set:       map[string]any{attrRewardedDay: day},
		Condition: kv.And(kv.Exists(attrScore), kv.Or(kv.NotExists(attrRewardedDay), kv.Less(attrRewardedDay, day))),
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim counter reward: %w", err)
	}
	return res.Applied, nil
}

// ReleaseReward undoes a ClaimReward for day so a later call can claim again.
func (s *Store) ReleaseReward(ctx context.Context, subj Subject, day string) error {
	if err := subj.Validate(); err != nil {
		return err
	}
	_, err := s.kv.Update(ctx, subj.key(), kv.Update{
		Set:       map[string]any{attrRewardedDay: ""},
		Condition: kv.Equal(attrRewardedDay, day),
	})
	if err != nil {
		return fmt.Errorf("failed to release counter reward: %w", err)
	}
	return nil
}

// List returns every entry of a game, following store pages up to maxPages.
func (s *Store) List(ctx context.Context, game string, pageSize, maxPages int) ([]Entry, error) {
	if game == "" {
		return nil, fmt.Errorf("%w: empty game", ErrInvalidSubject)
	}
	var (
		out   []Entry
		start kv.Position
	)
	for page := 0; page < maxPages; page++ {
		res, err := s.kv.Query(ctx, kv.Query{
			Partition:      gamePartition(game),
			Limit:          pageSize,
			ExclusiveStart: start,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range res.Items {
			user := strings.TrimPrefix(item.String(kv.AttrSort), "USER#")
			if _, ok := item.Int(attrScore); !ok {
				continue
			}
			out = append(out, decodeEntry(Subject{Game: game, User: user}, item))
		}
		if res.LastKey == nil {
			return out, nil
		}
		start = res.LastKey
	}
	return nil, fmt.Errorf("%w: game %s exceeds %d pages", ErrTooManyEntries, game, maxPages)
}
