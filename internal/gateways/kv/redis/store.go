package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"

	"github.com/vitalhearts/core/internal/config"
	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/logger"
)

const (
	backendName     = "redis"
	maxWatchRetries = 8
)

// Store keeps each row as a JSON string and indexes sort keys per partition
// in a zero-score sorted set, so lexicographic range reads follow sk order.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ kv.Store = (*Store)(nil)

func Connect(ctx context.Context, table string, cfg config.RedisConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewWithClient(rdb, table), nil
}

func NewWithClient(rdb redis.UniversalClient, table string) *Store {
	return &Store{rdb: rdb, prefix: table}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) itemKey(key kv.Key) string {
	return s.prefix + "|item|" + key.Partition + "|" + key.Sort
}

func (s *Store) indexKey(partition string) string {
	return s.prefix + "|idx|" + partition
}

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ql := logger.NewQueryLogger(backendName, "get", key.String())
	item, err := s.load(ctx, s.rdb, key)
	ql.Log(ctx, err, int64(min(len(item), 1)))
	return item, err
}

func (s *Store) load(ctx context.Context, c redis.Cmdable, key kv.Key) (kv.Item, error) {
	b, err := c.Get(ctx, s.itemKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return kv.DecodeItemJSON(b)
}

func encode(key kv.Key, item kv.Item) ([]byte, error) {
	row, err := kv.NormalizeItem(item)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = kv.Item{}
	}
	row[kv.AttrPartition] = key.Partition
	row[kv.AttrSort] = key.Sort
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}
	return b, nil
}

func (s *Store) write(ctx context.Context, pipe redis.Pipeliner, key kv.Key, b []byte) {
	pipe.Set(ctx, s.itemKey(key), b, 0)
	pipe.ZAdd(ctx, s.indexKey(key.Partition), redis.Z{Score: 0, Member: key.Sort})
}

func (s *Store) Put(ctx context.Context, key kv.Key, item kv.Item) error {
	if err := key.Validate(); err != nil {
		return err
	}
	b, err := encode(key, item)
	if err != nil {
		return err
	}
	ql := logger.NewQueryLogger(backendName, "put", key.String())
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.write(ctx, pipe, key, b)
		return nil
	})
	err = classify("put", err)
	ql.Log(ctx, err, 1)
	return err
}

// Update runs WATCH/GET/MULTI/EXEC, retrying a bounded number of times when
// another writer touches the row in between.
func (s *Store) Update(ctx context.Context, key kv.Key, u kv.Update) (kv.UpdateResult, error) {
	if err := key.Validate(); err != nil {
		return kv.UpdateResult{}, err
	}
	if err := u.Validate(); err != nil {
		return kv.UpdateResult{}, err
	}

	ql := logger.NewQueryLogger(backendName, "update", key.String())
	var res kv.UpdateResult
	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if !u.Condition.Eval(cur) {
			res = kv.UpdateResult{Applied: false, Item: cur}
			return nil
		}
		next, err := u.ApplyTo(cur, key)
		if err != nil {
			return err
		}
		b, err := encode(key, next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, key, b)
			return nil
		})
		if err != nil {
			return err
		}
		res = kv.UpdateResult{Applied: true, Item: next}
		return nil
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, s.itemKey(key))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		err = classify("update", err)
		affected := int64(0)
		if err == nil && res.Applied {
			affected = 1
		}
		ql.Log(ctx, err, affected)
		if err != nil {
			return kv.UpdateResult{}, err
		}
		return res, nil
	}
	err := kv.Retryable("update", fmt.Errorf("watch on %s lost %d times", key, maxWatchRetries))
	ql.Log(ctx, err, 0)
	return kv.UpdateResult{}, err
}

func (s *Store) Query(ctx context.Context, q kv.Query) (kv.QueryResult, error) {
	if q.Partition == "" || q.Limit <= 0 {
		return kv.QueryResult{}, fmt.Errorf("%w: partition and positive limit required", kv.ErrInvalidQuery)
	}

	lo, hi := lexBounds(q)
	by := &redis.ZRangeBy{Min: lo, Max: hi, Offset: 0, Count: int64(q.Limit)}

	ql := logger.NewQueryLogger(backendName, "query", q.Partition)
	var sks []string
	var err error
	if q.Descending {
		sks, err = s.rdb.ZRevRangeByLex(ctx, s.indexKey(q.Partition), by).Result()
	} else {
		sks, err = s.rdb.ZRangeByLex(ctx, s.indexKey(q.Partition), by).Result()
	}
	if err != nil {
		err = classify("query", err)
		ql.Log(ctx, err, 0)
		return kv.QueryResult{}, err
	}

	res := kv.QueryResult{Items: make([]kv.Item, 0, len(sks))}
	if len(sks) > 0 {
		keys := make([]string, len(sks))
		for i, sk := range sks {
			keys[i] = s.itemKey(kv.Key{Partition: q.Partition, Sort: sk})
		}
		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			err = classify("query", err)
			ql.Log(ctx, err, 0)
			return kv.QueryResult{}, err
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			item, err := kv.DecodeItemJSON([]byte(str))
			if err != nil {
				return kv.QueryResult{}, err
			}
			res.Items = append(res.Items, item)
		}
	}
	ql.Log(ctx, nil, int64(len(res.Items)))

	if len(sks) == q.Limit {
		res.LastKey = kv.Position{kv.AttrPartition: q.Partition, kv.AttrSort: sks[len(sks)-1]}
	}
	return res, nil
}

// lexBounds converts the query range and resume point into ZRANGEBYLEX bounds.
func lexBounds(q kv.Query) (lo, hi string) {
	lo, hi = "-", "+"
	if q.Start != "" {
		lo = "[" + q.Start
	}
	if q.End != "" {
		hi = "[" + q.End
	}
	if after := q.ExclusiveStart.SortKeyOf(); after != "" {
		if q.Descending {
			if q.End == "" || after <= q.End {
				hi = "(" + after
			}
		} else if q.Start == "" || after >= q.Start {
			lo = "(" + after
		}
	}
	return lo, hi
}

func (s *Store) BatchWrite(ctx context.Context, records []kv.Record) error {
	if len(records) > kv.MaxBatchSize {
		return fmt.Errorf("%w: %d records", kv.ErrBatchTooLarge, len(records))
	}
	encoded := make([][]byte, len(records))
	for i, r := range records {
		if err := r.Key.Validate(); err != nil {
			return err
		}
		b, err := encode(r.Key, r.Item)
		if err != nil {
			return err
		}
		encoded[i] = b
	}
	if len(records) == 0 {
		return nil
	}

	ql := logger.NewQueryLogger(backendName, "batch_write", fmt.Sprintf("%d records", len(records)))
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, r := range records {
			s.write(ctx, pipe, r.Key, encoded[i])
		}
		return nil
	})
	err = classify("batch_write", err)
	ql.Log(ctx, err, int64(len(records)))
	return err
}

// EnsureSchema only checks connectivity; redis needs no provisioning.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return classify("ping", s.rdb.Ping(ctx).Err())
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *kv.RetryableError
	if errors.As(err, &re) || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
		return kv.Retryable(op, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}
