package logs

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitalhearts/core/internal/gateways/kv"
)

const maxKeyCollisions = 3

// Appender is the producer side of the logs: upstream ingestion writes
// entries through it and the streak engine records presence.
type Appender struct {
	store   kv.Store
	ids     *IDGen
	limiter *rate.Limiter
}

// NewAppender builds an appender. limiter paces Import batches and may be nil.
func NewAppender(store kv.Store, limiter *rate.Limiter) *Appender {
	return &Appender{store: store, ids: &IDGen{}, limiter: limiter}
}

// Append writes a new time-keyed entry.
func (a *Appender) Append(ctx context.Context, user string, typ Type, at time.Time, source string, subs ...SubEntry) (Entry, error) {
	if user == "" {
		return Entry{}, ErrInvalidUser
	}
	if err := typ.Validate(); err != nil {
		return Entry{}, err
	}
	if typ == TypeStreak {
		return Entry{}, fmt.Errorf("%w: streak entries are written with MarkPresence", ErrUnknownType)
	}

	e := Entry{User: user, Type: typ, At: at, Entries: subs, Source: source}
	item, err := e.item()
	if err != nil {
		return Entry{}, err
	}
	for attempt := 0; attempt < maxKeyCollisions; attempt++ {
		e.SortKey = a.ids.Next(at)
		res, err := a.store.Update(ctx, e.key(), kv.Update{
			Set:       item,
			Condition: kv.NotExists(kv.AttrPartition),
		})
		if err != nil {
			return Entry{}, fmt.Errorf("failed to append %s entry: %w", typ, err)
		}
		if res.Applied {
			return e, nil
		}
	}
	return Entry{}, kv.Retryable("append", fmt.Errorf("sort key collided %d times", maxKeyCollisions))
}

// AppendSubEntries adds to the additive list of an existing entry.
func (a *Appender) AppendSubEntries(ctx context.Context, user string, typ Type, sortKey string, subs ...SubEntry) (Entry, error) {
	if len(subs) == 0 {
		return Entry{}, fmt.Errorf("no sub-entries to append")
	}
	vals := make([]any, len(subs))
	for i, s := range subs {
		vals[i] = map[string]any{"kind": s.Kind, "amount": s.Amount}
	}
	key := kv.Key{Partition: typ.Partition(user), Sort: sortKey}
	res, err := a.store.Update(ctx, key, kv.Update{
		Append:    map[string][]any{"entries": vals},
		Condition: kv.Exists(kv.AttrPartition),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to append sub-entries: %w", err)
	}
	if !res.Applied {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	return decodeEntry(user, typ, res.Item)
}

// MarkPresence records that user visited on day. It reports false when the
// day was already recorded.
func (a *Appender) MarkPresence(ctx context.Context, user string, day time.Time) (bool, error) {
	if user == "" {
		return false, ErrInvalidUser
	}
	key := kv.Key{Partition: TypeStreak.Partition(user), Sort: DateKey(day)}
	res, err := a.store.Update(ctx, key, kv.Update{
		Set: map[string]any{
			"at":      day.UnixMilli(),
			"entries": []any{},
		},
		Condition: kv.NotExists(kv.AttrPartition),
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark presence: %w", err)
	}
	return res.Applied, nil
}

// HasPresence reports whether user's visit on day was recorded.
func (a *Appender) HasPresence(ctx context.Context, user string, day time.Time) (bool, error) {
	item, err := a.store.Get(ctx, kv.Key{Partition: TypeStreak.Partition(user), Sort: DateKey(day)})
	if err != nil {
		return false, fmt.Errorf("failed to read presence: %w", err)
	}
	return item != nil, nil
}

// Import bulk-writes entries that already carry sort keys; entries without
// one get a fresh snowflake key.
func (a *Appender) Import(ctx context.Context, entries []Entry) error {
	records := make([]kv.Record, 0, len(entries))
	for _, e := range entries {
		if err := e.Type.Validate(); err != nil {
			return err
		}
		if e.User == "" {
			return ErrInvalidUser
		}
		if e.SortKey == "" {
			e.SortKey = a.ids.Next(e.At)
		}
		item, err := e.item()
		if err != nil {
			return err
		}
		records = append(records, kv.Record{Key: e.key(), Item: item})
	}
	if err := kv.WriteBatches(ctx, a.store, records, a.limiter); err != nil {
		return fmt.Errorf("failed to import log entries: %w", err)
	}
	return nil
}
