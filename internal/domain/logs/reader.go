package logs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vitalhearts/core/internal/domain/cursor"
	"github.com/vitalhearts/core/internal/gateways/kv"
)

const (
	DefaultPageSize = 100
	DefaultMaxPages = 100
)

// Page is one slice of a log. NextCursor is empty only when the store
// reported nothing beyond Entries.
type Page struct {
	Entries    []Entry
	NextCursor string
}

type Reader struct {
	store    kv.Store
	pageSize int
	maxPages int
}

func NewReader(store kv.Store, pageSize, maxPages int) *Reader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Reader{store: store, pageSize: pageSize, maxPages: maxPages}
}

// Read returns one page of user's log in the type's fixed order. Store errors
// are returned as-is.
func (r *Reader) Read(ctx context.Context, user string, typ Type, rng Range, limit int, token string) (Page, error) {
	if user == "" {
		return Page{}, ErrInvalidUser
	}
	if err := typ.Validate(); err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		return Page{}, ErrInvalidLimit
	}

	partition := typ.Partition(user)
	q := kv.Query{
		Partition:  partition,
		Start:      rng.Start,
		End:        rng.End,
		Limit:      limit,
		Descending: typ.Descending(),
	}
	if token != "" {
		pos, err := cursor.Decode(token)
		if err != nil {
			return Page{}, err
		}
		// a token from another query shape must not widen this one
		if pos.PartitionOf() != partition || !rng.contains(pos.SortKeyOf()) {
			return Page{}, fmt.Errorf("%w: cursor does not belong to this query", cursor.ErrInvalidCursor)
		}
		q.ExclusiveStart = pos
	}

	res, err := r.store.Query(ctx, q)
	if err != nil {
		return Page{}, err
	}

	page := Page{Entries: make([]Entry, 0, len(res.Items))}
	for _, item := range res.Items {
		e, err := decodeEntry(user, typ, item)
		if err != nil {
			return Page{}, err
		}
		page.Entries = append(page.Entries, e)
	}
	if res.LastKey != nil {
		page.NextCursor, err = cursor.Encode(res.LastKey)
		if err != nil {
			return Page{}, err
		}
	}
	return page, nil
}

// ReadAll follows cursors until the range is exhausted. It gives up with
// ErrRangeTooLarge after the configured number of pages and returns nothing
// when any page fails.
func (r *Reader) ReadAll(ctx context.Context, user string, typ Type, rng Range) ([]Entry, error) {
	var (
		all   []Entry
		token string
	)
	for page := 0; page < r.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := r.Read(ctx, user, typ, rng, r.pageSize, token)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Entries...)
		if p.NextCursor == "" {
			return all, nil
		}
		token = p.NextCursor
	}

	slog.Warn("Log range exceeded page ceiling",
		slog.String("type", "db"),
		slog.String("log", string(typ)),
		slog.String("user", user),
		slog.Int("max_pages", r.maxPages))
	return nil, fmt.Errorf("%w: more than %d pages of %s", ErrRangeTooLarge, r.maxPages, typ)
}
