package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/vitalhearts/core/internal/config"
	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/logger"
)

const (
	backendName         = "dynamodb"
	maxUnprocessedTries = 5
	unprocessedBackoff  = 50 * time.Millisecond
	tableWaitTimeout    = 2 * time.Minute
)

// Client is the subset of the DynamoDB API the store needs.
type Client interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type Store struct {
	client Client
	table  string
}

var _ kv.Store = (*Store)(nil)

// New builds a DynamoDB client from config. An empty access key falls back to
// the default credential chain.
func New(ctx context.Context, table string, cfg config.DynamoDBConfig) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, table), nil
}

func NewWithClient(client Client, table string) *Store {
	return &Store{client: client, table: table}
}

func keyAttrs(key kv.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		kv.AttrPartition: &types.AttributeValueMemberS{Value: key.Partition},
		kv.AttrSort:      &types.AttributeValueMemberS{Value: key.Sort},
	}
}

func decode(av map[string]types.AttributeValue) (kv.Item, error) {
	if len(av) == 0 {
		return nil, nil
	}
	var raw map[string]any
	err := attributevalue.UnmarshalMapWithOptions(av, &raw, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return kv.NormalizeItem(raw)
}

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ql := logger.NewQueryLogger(backendName, "get", key.String())
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		err = classify("get", err)
		ql.Log(ctx, err, 0)
		return nil, err
	}
	ql.Log(ctx, nil, int64(min(len(out.Item), 1)))
	return decode(out.Item)
}

func (s *Store) Put(ctx context.Context, key kv.Key, item kv.Item) error {
	if err := key.Validate(); err != nil {
		return err
	}
	av, err := encodeRow(key, item)
	if err != nil {
		return err
	}
	ql := logger.NewQueryLogger(backendName, "put", key.String())
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	err = classify("put", err)
	ql.Log(ctx, err, 1)
	return err
}

func encodeRow(key kv.Key, item kv.Item) (map[string]types.AttributeValue, error) {
	row, err := kv.NormalizeItem(item)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = kv.Item{}
	}
	row[kv.AttrPartition] = key.Partition
	row[kv.AttrSort] = key.Sort
	av, err := attributevalue.MarshalMap(map[string]any(row))
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}
	return av, nil
}

func (s *Store) Update(ctx context.Context, key kv.Key, u kv.Update) (kv.UpdateResult, error) {
	if err := key.Validate(); err != nil {
		return kv.UpdateResult{}, err
	}
	if err := u.Validate(); err != nil {
		return kv.UpdateResult{}, err
	}

	builder := expression.NewBuilder().WithUpdate(updateBuilder(u))
	if !u.Condition.IsZero() {
		builder = builder.WithCondition(conditionBuilder(u.Condition))
	}
	expr, err := builder.Build()
	if err != nil {
		return kv.UpdateResult{}, fmt.Errorf("failed to build update expression: %w", err)
	}

	ql := logger.NewQueryLogger(backendName, "update", key.String())
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 keyAttrs(key),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			ql.Log(ctx, nil, 0)
			cur, derr := decode(ccf.Item)
			if derr != nil {
				return kv.UpdateResult{}, derr
			}
			return kv.UpdateResult{Applied: false, Item: cur}, nil
		}
		err = classify("update", err)
		ql.Log(ctx, err, 0)
		return kv.UpdateResult{}, err
	}
	ql.Log(ctx, nil, 1)
	item, err := decode(out.Attributes)
	if err != nil {
		return kv.UpdateResult{}, err
	}
	return kv.UpdateResult{Applied: true, Item: item}, nil
}

func updateBuilder(u kv.Update) expression.UpdateBuilder {
	var ub expression.UpdateBuilder
	for name, v := range u.Set {
		ub = ub.Set(expression.Name(name), expression.Value(v))
	}
	for name, delta := range u.Add {
		ub = ub.Add(expression.Name(name), expression.Value(delta))
	}
	for name, vs := range u.Append {
		ub = ub.Set(expression.Name(name), expression.ListAppend(
			expression.IfNotExists(expression.Name(name), expression.Value([]any{})),
			expression.Value(vs),
		))
	}
	return ub
}

// conditionBuilder translates a kv.Condition. Comparisons are guarded with
// attribute_exists so a missing attribute compares false, matching Eval.
func conditionBuilder(c kv.Condition) expression.ConditionBuilder {
	name := expression.Name(c.Name())
	value := expression.Value(c.Value())
	switch c.Op() {
	case kv.OpNotExists:
		return expression.AttributeNotExists(name)
	case kv.OpExists:
		return expression.AttributeExists(name)
	case kv.OpEqual:
		return name.Equal(value)
	case kv.OpNotEqual:
		return expression.And(expression.AttributeExists(name), name.NotEqual(value))
	case kv.OpLess:
		return name.LessThan(value)
	case kv.OpLessOrEqual:
		return name.LessThanEqual(value)
	case kv.OpGreater:
		return name.GreaterThan(value)
	case kv.OpGreaterOrEqual:
		return name.GreaterThanEqual(value)
	case kv.OpAnd, kv.OpOr:
		children := c.Children()
		built := make([]expression.ConditionBuilder, len(children))
		for i, ch := range children {
			built[i] = conditionBuilder(ch)
		}
		if c.Op() == kv.OpAnd {
			return expression.And(built[0], built[1], built[2:]...)
		}
		return expression.Or(built[0], built[1], built[2:]...)
	}
	panic(fmt.Sprintf("dynamo: unsupported condition op %d", c.Op()))
}

func (s *Store) Query(ctx context.Context, q kv.Query) (kv.QueryResult, error) {
	if q.Partition == "" || q.Limit <= 0 {
		return kv.QueryResult{}, fmt.Errorf("%w: partition and positive limit required", kv.ErrInvalidQuery)
	}

	keyCond := expression.Key(kv.AttrPartition).Equal(expression.Value(q.Partition))
	sk := expression.Key(kv.AttrSort)
	switch {
	case q.Start != "" && q.End != "":
		keyCond = keyCond.And(sk.Between(expression.Value(q.Start), expression.Value(q.End)))
	case q.Start != "":
		keyCond = keyCond.And(sk.GreaterThanEqual(expression.Value(q.Start)))
	case q.End != "":
		keyCond = keyCond.And(sk.LessThanEqual(expression.Value(q.End)))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return kv.QueryResult{}, fmt.Errorf("failed to build key condition: %w", err)
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(int32(q.Limit)),
		ScanIndexForward:          aws.Bool(!q.Descending),
		ConsistentRead:            aws.Bool(true),
	}
	if len(q.ExclusiveStart) > 0 {
		start, err := attributevalue.MarshalMap(map[string]any(q.ExclusiveStart))
		if err != nil {
			return kv.QueryResult{}, fmt.Errorf("%w: start key: %v", kv.ErrInvalidQuery, err)
		}
		in.ExclusiveStartKey = start
	}

	ql := logger.NewQueryLogger(backendName, "query", q.Partition)
	out, err := s.client.Query(ctx, in)
	if err != nil {
		err = classify("query", err)
		ql.Log(ctx, err, 0)
		return kv.QueryResult{}, err
	}
	ql.Log(ctx, nil, int64(len(out.Items)))

	res := kv.QueryResult{Items: make([]kv.Item, 0, len(out.Items))}
	for _, av := range out.Items {
		item, err := decode(av)
		if err != nil {
			return kv.QueryResult{}, err
		}
		res.Items = append(res.Items, item)
	}
	if len(out.LastEvaluatedKey) > 0 {
		last, err := decode(out.LastEvaluatedKey)
		if err != nil {
			return kv.QueryResult{}, err
		}
		res.LastKey = kv.Position(last)
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
	reqs := make([]types.WriteRequest, 0, len(records))
	for _, r := range records {
		if err := r.Key.Validate(); err != nil {
			return err
		}
		av, err := encodeRow(r.Key, r.Item)
		if err != nil {
			return err
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
	}

	ql := logger.NewQueryLogger(backendName, "batch_write", fmt.Sprintf("%d records", len(records)))
	pending := map[string][]types.WriteRequest{s.table: reqs}
	for attempt := 0; len(pending[s.table]) > 0; attempt++ {
		if attempt == maxUnprocessedTries {
			err := kv.Retryable("batch_write", fmt.Errorf("%d records left unprocessed", len(pending[s.table])))
			ql.Log(ctx, err, 0)
			return err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(unprocessedBackoff << attempt):
			}
		}
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			err = classify("batch_write", err)
			ql.Log(ctx, err, 0)
			return err
		}
		pending = out.UnprocessedItems
	}
	ql.Log(ctx, nil, int64(len(records)))
	return nil
}

// EnsureSchema creates the table with string pk/sk keys when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return classify("describe_table", err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(kv.AttrPartition), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(kv.AttrSort), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(kv.AttrPartition), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(kv.AttrSort), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, tableWaitTimeout); err != nil {
		return fmt.Errorf("failed waiting for table %s: %w", s.table, err)
	}
	return nil
}

var retryableCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"ThrottlingException":                    true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"TransactionConflictException":           true,
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if retryableCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer {
			return kv.Retryable(op, err)
		}
		return fmt.Errorf("dynamodb %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// transport failures surface without an API error code
	return kv.Retryable(op, err)
}
