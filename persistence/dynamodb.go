package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"entitycache/cache"
)

// dynamoWriteBatchMax is DynamoDB's hard cap on items per BatchWriteItem.
const dynamoWriteBatchMax = 25

// DynamoAPI is the subset of the DynamoDB client the strategy uses.
type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoSpec supplies the item mapping for one entity type.
type DynamoSpec[T cache.Entity] struct {
	// KeyAttribute is the table's partition key attribute. Default "id".
	KeyAttribute string

	// Marshal converts one entity to a DynamoDB item. When nil the
	// entity is marshalled with attributevalue.MarshalMap and the key
	// attribute is set from Entity.Key().
	Marshal func(T) (map[string]types.AttributeValue, error)
}

// DynamoStrategy persists entities to a DynamoDB table via
// BatchWriteItem. The effective batch size is the configured
// MaxBatchSize capped at DynamoDB's 25-item write limit.
type DynamoStrategy[T cache.Entity] struct {
	client       DynamoAPI
	table        string
	spec         DynamoSpec[T]
	logger       *zap.Logger
	maxBatchSize int
}

// NewDynamoStrategy creates a strategy writing to the given table.
func NewDynamoStrategy[T cache.Entity](client DynamoAPI, table string, spec DynamoSpec[T], opts Options) (*DynamoStrategy[T], error) {
	if client == nil {
		return nil, errors.New("persistence: nil DynamoDB client")
	}
	if table == "" {
		return nil, errors.New("persistence: empty table name")
	}
	if spec.KeyAttribute == "" {
		spec.KeyAttribute = "id"
	}
	opts = opts.withDefaults()
	batch := opts.MaxBatchSize
	if batch > dynamoWriteBatchMax {
		batch = dynamoWriteBatchMax
	}
	return &DynamoStrategy[T]{
		client:       client,
		table:        table,
		spec:         spec,
		logger:       opts.Logger,
		maxBatchSize: batch,
	}, nil
}

// SaveOrUpdate writes all entities in BatchWriteItem calls and returns
// the keys of entities that were not written, either because their batch
// failed outright or because DynamoDB returned them unprocessed.
func (s *DynamoStrategy[T]) SaveOrUpdate(ctx context.Context, entities []T) []string {
	var failed []string
	for _, batch := range chunk(entities, s.maxBatchSize) {
		failed = append(failed, s.writeBatch(ctx, batch)...)
	}
	return failed
}

func (s *DynamoStrategy[T]) writeBatch(ctx context.Context, batch []T) []string {
	requests := make([]types.WriteRequest, 0, len(batch))
	var failed []string
	for _, e := range batch {
		item, err := s.marshal(e)
		if err != nil {
			s.logger.Error("failed to marshal entity",
				zap.String("table", s.table),
				zap.String("id", e.Key()),
				zap.Error(err))
			failed = append(failed, e.Key())
			continue
		}
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: item},
		})
	}
	if len(requests) == 0 {
		return failed
	}

	out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{s.table: requests},
	})
	if err != nil {
		s.logger.Error("DynamoDB BatchWriteItem failed",
			zap.String("table", s.table),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		return append(failed, keysOf(batch)...)
	}

	for _, wr := range out.UnprocessedItems[s.table] {
		if wr.PutRequest == nil {
			continue
		}
		if av, ok := wr.PutRequest.Item[s.spec.KeyAttribute].(*types.AttributeValueMemberS); ok {
			failed = append(failed, av.Value)
		}
	}
	if n := len(out.UnprocessedItems[s.table]); n > 0 {
		s.logger.Warn("DynamoDB returned unprocessed items",
			zap.String("table", s.table),
			zap.Int("unprocessed", n))
	}
	return failed
}

func (s *DynamoStrategy[T]) marshal(e T) (map[string]types.AttributeValue, error) {
	if s.spec.Marshal != nil {
		return s.spec.Marshal(e)
	}
	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return nil, err
	}
	item[s.spec.KeyAttribute] = &types.AttributeValueMemberS{Value: e.Key()}
	return item, nil
}

func (s *DynamoStrategy[T]) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		s.spec.KeyAttribute: &types.AttributeValueMemberS{Value: id},
	}
}

// DeleteByID removes one record.
func (s *DynamoStrategy[T]) DeleteByID(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(id),
	})
	if err != nil {
		return fmt.Errorf("DynamoDB DeleteItem %s: %w", id, err)
	}
	return nil
}

// DeleteByIDs overrides the repeated-single-delete default with bulk
// BatchWriteItem delete requests.
func (s *DynamoStrategy[T]) DeleteByIDs(ctx context.Context, ids []string) error {
	var errs []error
	for _, batch := range chunk(ids, dynamoWriteBatchMax) {
		requests := make([]types.WriteRequest, len(batch))
		for i, id := range batch {
			requests[i] = types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: s.key(id)},
			}
		}
		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: requests},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("DynamoDB batch delete: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Exists probes the table for the given key.
func (s *DynamoStrategy[T]) Exists(ctx context.Context, id string) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(id),
	})
	if err != nil {
		return false, fmt.Errorf("DynamoDB GetItem %s: %w", id, err)
	}
	return out.Item != nil, nil
}
