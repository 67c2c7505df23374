package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/logger"
)

const (
	backendName    = "postgres"
	maxRaceRetries = 3
)

var errInsertRace = errors.New("row inserted concurrently")

type itemRow struct {
	bun.BaseModel `bun:"table:kv_items,alias:r"`

	PK   string          `bun:"pk,pk"`
	SK   string          `bun:"sk,pk"`
	Item json.RawMessage `bun:"item,type:jsonb"`
}

// Store keeps every row in one (pk, sk) keyed table with the attributes in a
// jsonb column. Conditional updates lock the row and evaluate the condition
// in process.
type Store struct {
	db    *DB
	table string
}

var _ kv.Store = (*Store)(nil)

func NewStore(db *DB, table string) *Store {
	return &Store{db: db, table: table}
}

func (s *Store) tableExpr() (string, bun.Ident) {
	return "? AS r", bun.Ident(s.table)
}

func encodeRow(key kv.Key, item kv.Item) (itemRow, error) {
	row, err := kv.NormalizeItem(item)
	if err != nil {
		return itemRow{}, err
	}
	if row == nil {
		row = kv.Item{}
	}
	row[kv.AttrPartition] = key.Partition
	row[kv.AttrSort] = key.Sort
	b, err := json.Marshal(row)
	if err != nil {
		return itemRow{}, fmt.Errorf("failed to encode item: %w", err)
	}
	return itemRow{PK: key.Partition, SK: key.Sort, Item: b}, nil
}

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ql := logger.NewQueryLogger(backendName, "get", key.String())
	item, err := s.selectRow(ctx, s.db.bunDB, key, false)
	ql.Log(ctx, err, int64(min(len(item), 1)))
	return item, err
}

func (s *Store) selectRow(ctx context.Context, idb bun.IDB, key kv.Key, forUpdate bool) (kv.Item, error) {
	var r itemRow
	q := idb.NewSelect().
		Model(&r).
		ModelTableExpr(s.tableExpr()).
		Where("r.pk = ?", key.Partition).
		Where("r.sk = ?", key.Sort)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("select", err)
	}
	return kv.DecodeItemJSON(r.Item)
}

func (s *Store) Put(ctx context.Context, key kv.Key, item kv.Item) error {
	if err := key.Validate(); err != nil {
		return err
	}
	r, err := encodeRow(key, item)
	if err != nil {
		return err
	}
	ql := logger.NewQueryLogger(backendName, "put", key.String())
	_, err = s.upsert(s.db.bunDB, &r).Exec(ctx)
	err = classify("put", err)
	ql.Log(ctx, err, 1)
	return err
}

func (s *Store) upsert(idb bun.IDB, model any) *bun.InsertQuery {
	return idb.NewInsert().
		Model(model).
		ModelTableExpr("?", bun.Ident(s.table)).
		On("CONFLICT (pk, sk) DO UPDATE").
		Set("item = EXCLUDED.item")
}

func (s *Store) Update(ctx context.Context, key kv.Key, u kv.Update) (kv.UpdateResult, error) {
	if err := key.Validate(); err != nil {
		return kv.UpdateResult{}, err
	}
	if err := u.Validate(); err != nil {
		return kv.UpdateResult{}, err
	}

	ql := logger.NewQueryLogger(backendName, "update", key.String())
	var res kv.UpdateResult
	var err error
	for attempt := 0; attempt < maxRaceRetries; attempt++ {
		res, err = s.updateOnce(ctx, key, u)
		if !errors.Is(err, errInsertRace) {
			break
		}
	}
	if errors.Is(err, errInsertRace) {
		err = kv.Retryable("update", err)
	}
	affected := int64(0)
	if res.Applied {
		affected = 1
	}
	ql.Log(ctx, err, affected)
	return res, err
}

func (s *Store) updateOnce(ctx context.Context, key kv.Key, u kv.Update) (kv.UpdateResult, error) {
	var res kv.UpdateResult
	err := s.db.bunDB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		cur, err := s.selectRow(ctx, tx, key, true)
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
		r, err := encodeRow(key, next)
		if err != nil {
			return err
		}

		if cur == nil {
			out, err := tx.NewInsert().
				Model(&r).
				ModelTableExpr("?", bun.Ident(s.table)).
				On("CONFLICT (pk, sk) DO NOTHING").
				Exec(ctx)
			if err != nil {
				return classify("insert", err)
			}
			if n, _ := out.RowsAffected(); n == 0 {
				return errInsertRace
			}
		} else {
			_, err := tx.NewUpdate().
				Model(&r).
				ModelTableExpr(s.tableExpr()).
				Column("item").
				WherePK().
				Exec(ctx)
			if err != nil {
				return classify("update", err)
			}
		}
		res = kv.UpdateResult{Applied: true, Item: next}
		return nil
	})
	return res, err
}

func (s *Store) Query(ctx context.Context, q kv.Query) (kv.QueryResult, error) {
	if q.Partition == "" || q.Limit <= 0 {
		return kv.QueryResult{}, fmt.Errorf("%w: partition and positive limit required", kv.ErrInvalidQuery)
	}

	var rows []itemRow
	sel := s.db.bunDB.NewSelect().
		Model(&rows).
		ModelTableExpr(s.tableExpr()).
		Where("r.pk = ?", q.Partition).
		Limit(q.Limit)
	if q.Start != "" {
		sel = sel.Where("r.sk >= ?", q.Start)
	}
	if q.End != "" {
		sel = sel.Where("r.sk <= ?", q.End)
	}
	after := q.ExclusiveStart.SortKeyOf()
	if q.Descending {
		if after != "" {
			sel = sel.Where("r.sk < ?", after)
		}
		sel = sel.OrderExpr("r.sk DESC")
	} else {
		if after != "" {
			sel = sel.Where("r.sk > ?", after)
		}
		sel = sel.OrderExpr("r.sk ASC")
	}

	ql := logger.NewQueryLogger(backendName, "query", q.Partition)
	if err := sel.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		err = classify("query", err)
		ql.Log(ctx, err, 0)
		return kv.QueryResult{}, err
	}
	ql.Log(ctx, nil, int64(len(rows)))

	res := kv.QueryResult{Items: make([]kv.Item, 0, len(rows))}
	for _, r := range rows {
		item, err := kv.DecodeItemJSON(r.Item)
		if err != nil {
			return kv.QueryResult{}, err
		}
		res.Items = append(res.Items, item)
	}
	if len(res.Items) == q.Limit {
		res.LastKey = kv.PositionFor(res.Items[len(res.Items)-1])
	}
	return res, nil
}

func (s *Store) BatchWrite(ctx context.Context, records []kv.Record) error {
	if len(records) > kv.MaxBatchSize {
		return fmt.Errorf("%w: %d records", kv.ErrBatchTooLarge, len(records))
	}
	if len(records) == 0 {
		return nil
	}
	rows := make([]itemRow, 0, len(records))
	seen := make(map[kv.Key]int, len(records))
	for _, rec := range records {
		if err := rec.Key.Validate(); err != nil {
			return err
		}
		r, err := encodeRow(rec.Key, rec.Item)
		if err != nil {
			return err
		}
		// ON CONFLICT cannot touch the same row twice in one statement
		if i, dup := seen[rec.Key]; dup {
			rows[i] = r
			continue
		}
		seen[rec.Key] = len(rows)
		rows = append(rows, r)
	}

	ql := logger.NewQueryLogger(backendName, "batch_write", fmt.Sprintf("%d records", len(rows)))
	_, err := s.upsert(s.db.bunDB, &rows).Exec(ctx)
	err = classify("batch_write", err)
	ql.Log(ctx, err, int64(len(rows)))
	return err
}

// EnsureSchema creates the item table. sk uses the C collation so range
// scans order bytewise like the other backends.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ident := pgxIdent(s.table)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + ident + ` (
			pk   text NOT NULL,
			sk   text COLLATE "C" NOT NULL,
			item jsonb NOT NULL,
			PRIMARY KEY (pk, sk)
		)`,
	}
	for _, stmt := range stmts {
		ql := logger.NewQueryLogger(backendName, "migrate", s.table)
		tag, err := s.db.pool.Exec(ctx, stmt)
		ql.Log(ctx, err, tag.RowsAffected())
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", s.table, err)
		}
	}
	return nil
}

func pgxIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var retryableStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"53300": true, // too_many_connections
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		state := pgErr.Field('C')
		if retryableStates[state] || strings.HasPrefix(state, "08") {
			return kv.Retryable(op, err)
		}
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	var connErr *pgconn.PgError
	if errors.As(err, &connErr) {
		if retryableStates[connErr.Code] || strings.HasPrefix(connErr.Code, "08") {
			return kv.Retryable(op, err)
		}
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return kv.Retryable(op, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}
