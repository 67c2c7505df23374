package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/vitalhearts/core/internal/config"
	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/logger"
)

const (
	backendName      = "mongo"
	maxUpsertRetries = 3
)

// Store maps each row to a document with pk and sk as top-level fields next
// to the attributes. A unique (pk, sk) index backs the upsert race handling.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ kv.Store = (*Store)(nil)

func Connect(ctx context.Context, cfg config.MongoConfig) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return &Store{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func keyFilter(key kv.Key) bson.D {
	return bson.D{{Key: kv.AttrPartition, Value: key.Partition}, {Key: kv.AttrSort, Value: key.Sort}}
}

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ql := logger.NewQueryLogger(backendName, "get", key.String())
	item, err := s.findOne(ctx, key)
	ql.Log(ctx, err, int64(min(len(item), 1)))
	return item, err
}

func (s *Store) findOne(ctx context.Context, key kv.Key) (kv.Item, error) {
	var doc bson.M
	err := s.coll.FindOne(ctx, keyFilter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find", err)
	}
	return fromDocument(doc)
}

func (s *Store) Put(ctx context.Context, key kv.Key, item kv.Item) error {
	if err := key.Validate(); err != nil {
		return err
	}
	doc, err := toDocument(key, item)
	if err != nil {
		return err
	}
	ql := logger.NewQueryLogger(backendName, "put", key.String())
	_, err = s.coll.ReplaceOne(ctx, keyFilter(key), doc, options.Replace().SetUpsert(true))
	err = classify("put", err)
	ql.Log(ctx, err, 1)
	return err
}

func (s *Store) Update(ctx context.Context, key kv.Key, u kv.Update) (kv.UpdateResult, error) {
	if err := key.Validate(); err != nil {
		return kv.UpdateResult{}, err
	}
	if err := u.Validate(); err != nil {
		return kv.UpdateResult{}, err
	}
	update, err := updateDocument(u)
	if err != nil {
		return kv.UpdateResult{}, err
	}

	filter := keyFilter(key)
	if !u.Condition.IsZero() {
		filter = bson.D{{Key: "$and", Value: bson.A{filter, conditionFilter(u.Condition)}}}
	}
	upsert := u.Condition.Eval(nil)

	ql := logger.NewQueryLogger(backendName, "update", key.String())
	for attempt := 0; attempt < maxUpsertRetries; attempt++ {
		opts := options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetUpsert(upsert)
		var doc bson.M
		err = s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		switch {
		case err == nil:
			ql.Log(ctx, nil, 1)
			item, err := fromDocument(doc)
			return kv.UpdateResult{Applied: err == nil, Item: item}, err
		case errors.Is(err, mongo.ErrNoDocuments):
			ql.Log(ctx, nil, 0)
			cur, err := s.findOne(ctx, key)
			return kv.UpdateResult{Applied: false, Item: cur}, err
		case mongo.IsDuplicateKeyError(err):
			// the row exists, so the condition is decided against it alone
			upsert = false
			continue
		default:
			err = classify("update", err)
			ql.Log(ctx, err, 0)
			return kv.UpdateResult{}, err
		}
	}
	err = kv.Retryable("update", fmt.Errorf("upsert raced %d times on %s", maxUpsertRetries, key))
	ql.Log(ctx, err, 0)
	return kv.UpdateResult{}, err
}

func updateDocument(u kv.Update) (bson.D, error) {
	var update bson.D
	if len(u.Set) > 0 {
		set := bson.M{}
		for name, v := range u.Set {
			n, err := kv.Normalize(v)
			if err != nil {
				return nil, err
			}
			set[name] = n
		}
		update = append(update, bson.E{Key: "$set", Value: set})
	}
	if len(u.Add) > 0 {
		inc := bson.M{}
		for name, delta := range u.Add {
			inc[name] = delta
		}
		update = append(update, bson.E{Key: "$inc", Value: inc})
	}
	if len(u.Append) > 0 {
		push := bson.M{}
		for name, vs := range u.Append {
			each := make(bson.A, 0, len(vs))
			for _, v := range vs {
				n, err := kv.Normalize(v)
				if err != nil {
					return nil, err
				}
				each = append(each, n)
			}
			push[name] = bson.M{"$each": each}
		}
		update = append(update, bson.E{Key: "$push", Value: push})
	}
	return update, nil
}

// conditionFilter translates a kv.Condition into a query document. $ne also
// matches missing fields in mongo, so it is guarded with $exists.
func conditionFilter(c kv.Condition) bson.D {
	switch c.Op() {
	case kv.OpNotExists:
		return bson.D{{Key: c.Name(), Value: bson.M{"$exists": false}}}
	case kv.OpExists:
		return bson.D{{Key: c.Name(), Value: bson.M{"$exists": true}}}
	case kv.OpEqual:
		return bson.D{{Key: c.Name(), Value: bson.M{"$eq": c.Value()}}}
	case kv.OpNotEqual:
		return bson.D{{Key: c.Name(), Value: bson.D{{Key: "$exists", Value: true}, {Key: "$ne", Value: c.Value()}}}}
	case kv.OpLess:
		return bson.D{{Key: c.Name(), Value: bson.M{"$lt": c.Value()}}}
	case kv.OpLessOrEqual:
		return bson.D{{Key: c.Name(), Value: bson.M{"$lte": c.Value()}}}
	case kv.OpGreater:
		return bson.D{{Key: c.Name(), Value: bson.M{"$gt": c.Value()}}}
	case kv.OpGreaterOrEqual:
		return bson.D{{Key: c.Name(), Value: bson.M{"$gte": c.Value()}}}
	case kv.OpAnd, kv.OpOr:
		children := make(bson.A, 0, len(c.Children()))
		for _, ch := range c.Children() {
			children = append(children, conditionFilter(ch))
		}
		op := "$and"
		if c.Op() == kv.OpOr {
			op = "$or"
		}
		return bson.D{{Key: op, Value: children}}
	}
	return bson.D{}
}

func (s *Store) Query(ctx context.Context, q kv.Query) (kv.QueryResult, error) {
	if q.Partition == "" || q.Limit <= 0 {
		return kv.QueryResult{}, fmt.Errorf("%w: partition and positive limit required", kv.ErrInvalidQuery)
	}

	skRange := bson.M{}
	if q.Start != "" {
		skRange["$gte"] = q.Start
	}
	if q.End != "" {
		skRange["$lte"] = q.End
	}
	direction := 1
	if after := q.ExclusiveStart.SortKeyOf(); after != "" {
		if q.Descending {
			skRange["$lt"] = after
		} else {
			skRange["$gt"] = after
		}
	}
	if q.Descending {
		direction = -1
	}

	filter := bson.D{{Key: kv.AttrPartition, Value: q.Partition}}
	if len(skRange) > 0 {
		filter = append(filter, bson.E{Key: kv.AttrSort, Value: skRange})
	}
	opts := options.Find().
		SetSort(bson.D{{Key: kv.AttrSort, Value: direction}}).
		SetLimit(int64(q.Limit))

	ql := logger.NewQueryLogger(backendName, "query", q.Partition)
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		err = classify("query", err)
		ql.Log(ctx, err, 0)
		return kv.QueryResult{}, err
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		err = classify("query", err)
		ql.Log(ctx, err, 0)
		return kv.QueryResult{}, err
	}
	ql.Log(ctx, nil, int64(len(docs)))

	res := kv.QueryResult{Items: make([]kv.Item, 0, len(docs))}
	for _, doc := range docs {
		item, err := fromDocument(doc)
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
	models := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		if err := r.Key.Validate(); err != nil {
			return err
		}
		doc, err := toDocument(r.Key, r.Item)
		if err != nil {
			return err
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(keyFilter(r.Key)).
			SetReplacement(doc).
			SetUpsert(true))
	}

	ql := logger.NewQueryLogger(backendName, "batch_write", fmt.Sprintf("%d records", len(records)))
	res, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		err = classify("batch_write", err)
		ql.Log(ctx, err, 0)
		return err
	}
	ql.Log(ctx, nil, res.UpsertedCount+res.ModifiedCount)
	return nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	ql := logger.NewQueryLogger(backendName, "migrate", s.coll.Name())
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: kv.AttrPartition, Value: 1}, {Key: kv.AttrSort, Value: 1}},
		Options: options.Index().SetUnique(true).SetName("pk_sk"),
	})
	ql.Log(ctx, err, 0)
	if err != nil {
		return fmt.Errorf("failed to create pk/sk index: %w", err)
	}
	return nil
}

func toDocument(key kv.Key, item kv.Item) (bson.M, error) {
	row, err := kv.NormalizeItem(item)
	if err != nil {
		return nil, err
	}
	doc := bson.M{}
	for k, v := range row {
		if k == "_id" {
			continue
		}
		doc[k] = v
	}
	doc[kv.AttrPartition] = key.Partition
	doc[kv.AttrSort] = key.Sort
	return doc, nil
}

func fromDocument(doc bson.M) (kv.Item, error) {
	raw := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		raw[k] = fromBSON(v)
	}
	return kv.NormalizeItem(raw)
}

func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case primitive.DateTime:
		return int64(t)
	}
	return v
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return kv.Retryable(op, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorLabel("TransientTransactionError") {
		return kv.Retryable(op, err)
	}
	return fmt.Errorf("mongo %s: %w", op, err)
}
