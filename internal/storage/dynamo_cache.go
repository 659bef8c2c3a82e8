package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"precalc-backend/internal/core/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	inputKeyPrefix = "INPUTKEY#"
	modelIdPrefix  = "MODELID#"

	// BatchGetItem accepts at most 100 keys per call.
	maxBatchGetSize = 100
)

// dynamoAPI is the subset of *dynamodb.Client used by DynamoCache.
type dynamoAPI interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoCache stores predictions in a single DynamoDB table keyed by
// PK=INPUTKEY#<input_key> and SK=MODELID#<model_id>.
type DynamoCache struct {
	client dynamoAPI
	table  string
}

var _ PredictionCache = (*DynamoCache)(nil)

func NewDynamoCache(ctx context.Context, cfg AWSConfig, table string) (*DynamoCache, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})

	return &DynamoCache{client: client, table: table}, nil
}

// CreateTable creates the cache table with on-demand billing. An existing
// table is left as is.
func (c *DynamoCache) CreateTable(ctx context.Context) error {
	_, err := c.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(c.table),
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: ddbtypes.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: ddbtypes.KeyTypeRange},
		},
		BillingMode: ddbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *ddbtypes.ResourceInUseException
		if errors.As(err, &inUse) {
			slog.Info("table already exists", "table", c.table)
			return nil
		}
		return fmt.Errorf("failed to create table %s: %w", c.table, err)
	}

	slog.Info("table created successfully", "table", c.table)

	return nil
}

func partitionKey(inputKey string) string {
	return inputKeyPrefix + inputKey
}

func sortKey(modelId string) string {
	return modelIdPrefix + modelId
}

func encodeOutputValue(v any) (ddbtypes.AttributeValue, error) {
	switch v := v.(type) {
	case nil:
		return &ddbtypes.AttributeValueMemberNULL{Value: true}, nil
	case float64:
		return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'g', -1, 64)}, nil
	case int:
		return &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(v)}, nil
	case int64:
		return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}, nil
	case string:
		return &ddbtypes.AttributeValueMemberS{Value: v}, nil
	case bool:
		return &ddbtypes.AttributeValueMemberBOOL{Value: v}, nil
	default:
		return nil, fmt.Errorf("unsupported output value type %T", v)
	}
}

func decodeOutputValue(av ddbtypes.AttributeValue) (any, error) {
	switch av := av.(type) {
	case *ddbtypes.AttributeValueMemberNULL:
		return nil, nil
	case *ddbtypes.AttributeValueMemberN:
		f, err := strconv.ParseFloat(av.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", av.Value, err)
		}
		return f, nil
	case *ddbtypes.AttributeValueMemberS:
		return av.Value, nil
	case *ddbtypes.AttributeValueMemberBOOL:
		return av.Value, nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", av)
	}
}

func encodeItem(item types.CachedPrediction) (map[string]ddbtypes.AttributeValue, error) {
	values := make([]ddbtypes.AttributeValue, 0, len(item.Output))
	for _, v := range item.Output {
		av, err := encodeOutputValue(v)
		if err != nil {
			return nil, fmt.Errorf("error encoding output for %s: %w", item.Key(), err)
		}
		values = append(values, av)
	}

	return map[string]ddbtypes.AttributeValue{
		"PK":             &ddbtypes.AttributeValueMemberS{Value: partitionKey(item.InputKey)},
		"SK":             &ddbtypes.AttributeValueMemberS{Value: sortKey(item.ModelId)},
		"Smiles":         &ddbtypes.AttributeValueMemberS{Value: item.Input},
		"Precalculation": &ddbtypes.AttributeValueMemberL{Value: values},
		"Timestamp":      &ddbtypes.AttributeValueMemberS{Value: strconv.FormatInt(item.WrittenAt.Unix(), 10)},
	}, nil
}

func stringAttr(item map[string]ddbtypes.AttributeValue, name string) (string, error) {
	av, ok := item[name].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("%w: attribute %s missing or not a string", types.ErrSchemaMismatch, name)
	}
	return av.Value, nil
}

func decodeItem(item map[string]ddbtypes.AttributeValue) (types.CachedPrediction, error) {
	pk, err := stringAttr(item, "PK")
	if err != nil {
		return types.CachedPrediction{}, err
	}
	sk, err := stringAttr(item, "SK")
	if err != nil {
		return types.CachedPrediction{}, err
	}
	input, err := stringAttr(item, "Smiles")
	if err != nil {
		return types.CachedPrediction{}, err
	}

	list, ok := item["Precalculation"].(*ddbtypes.AttributeValueMemberL)
	if !ok {
		return types.CachedPrediction{}, fmt.Errorf("%w: attribute Precalculation missing or not a list", types.ErrSchemaMismatch)
	}
	output := make([]any, 0, len(list.Value))
	for _, av := range list.Value {
		v, err := decodeOutputValue(av)
		if err != nil {
			return types.CachedPrediction{}, fmt.Errorf("%w: %v", types.ErrSchemaMismatch, err)
		}
		output = append(output, v)
	}

	var writtenAt time.Time
	if ts, err := stringAttr(item, "Timestamp"); err == nil {
		if secs, err := strconv.ParseFloat(ts, 64); err == nil {
			writtenAt = time.Unix(int64(secs), 0).UTC()
		}
	}

	return types.CachedPrediction{
		Prediction: types.Prediction{
			ModelId:  strings.TrimPrefix(sk, modelIdPrefix),
			InputKey: strings.TrimPrefix(pk, inputKeyPrefix),
			Input:    input,
			Output:   output,
		},
		WrittenAt: writtenAt,
	}, nil
}

func (c *DynamoCache) BatchPut(ctx context.Context, items []types.CachedPrediction) ([]types.CachedPrediction, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d items exceeds max batch size %d", len(items), MaxBatchSize)
	}

	requests := make([]ddbtypes.WriteRequest, 0, len(items))
	byKey := make(map[types.CacheKey]types.CachedPrediction, len(items))
	for _, item := range items {
		encoded, err := encodeItem(item)
		if err != nil {
			return nil, err
		}
		requests = append(requests, ddbtypes.WriteRequest{PutRequest: &ddbtypes.PutRequest{Item: encoded}})
		byKey[item.Key()] = item
	}

	resp, err := c.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]ddbtypes.WriteRequest{c.table: requests},
	})
	if err != nil {
		return nil, fmt.Errorf("error writing batch to table %s: %w", c.table, err)
	}

	var unprocessed []types.CachedPrediction
	for _, req := range resp.UnprocessedItems[c.table] {
		if req.PutRequest == nil {
			continue
		}
		pk, err1 := stringAttr(req.PutRequest.Item, "PK")
		sk, err2 := stringAttr(req.PutRequest.Item, "SK")
		if err1 != nil || err2 != nil {
			continue
		}
		key := types.CacheKey{
			InputKey: strings.TrimPrefix(pk, inputKeyPrefix),
			ModelId:  strings.TrimPrefix(sk, modelIdPrefix),
		}
		if item, ok := byKey[key]; ok {
			unprocessed = append(unprocessed, item)
		}
	}

	return unprocessed, nil
}

func (c *DynamoCache) BatchGet(ctx context.Context, modelId string, inputKeys []string) ([]types.CachedPrediction, error) {
	var out []types.CachedPrediction

	for start := 0; start < len(inputKeys); start += maxBatchGetSize {
		end := min(start+maxBatchGetSize, len(inputKeys))

		keys := make([]map[string]ddbtypes.AttributeValue, 0, end-start)
		for _, inputKey := range inputKeys[start:end] {
			keys = append(keys, map[string]ddbtypes.AttributeValue{
				"PK": &ddbtypes.AttributeValueMemberS{Value: partitionKey(inputKey)},
				"SK": &ddbtypes.AttributeValueMemberS{Value: sortKey(modelId)},
			})
		}

		request := map[string]ddbtypes.KeysAndAttributes{c.table: {Keys: keys}}
		for len(request) > 0 {
			resp, err := c.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, fmt.Errorf("error reading batch from table %s: %w", c.table, err)
			}

			for _, item := range resp.Responses[c.table] {
				decoded, err := decodeItem(item)
				if err != nil {
					return nil, err
				}
				out = append(out, decoded)
			}

			request = resp.UnprocessedKeys
		}
	}

	return out, nil
}

func (c *DynamoCache) scanCount(ctx context.Context, modelId string, stopAtFirst bool) (int64, error) {
	paginator := dynamodb.NewScanPaginator(c.client, &dynamodb.ScanInput{
		TableName:        aws.String(c.table),
		Select:           ddbtypes.SelectCount,
		FilterExpression: aws.String("SK = :model_id"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":model_id": &ddbtypes.AttributeValueMemberS{Value: sortKey(modelId)},
		},
	})

	var total int64
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("error scanning table %s for model %s: %w", c.table, modelId, err)
		}
		total += int64(page.Count)
		if stopAtFirst && total > 0 {
			break
		}
	}
	return total, nil
}

func (c *DynamoCache) Count(ctx context.Context, modelId string) (int64, error) {
	return c.scanCount(ctx, modelId, false)
}

func (c *DynamoCache) Exists(ctx context.Context, modelId string) (bool, error) {
	count, err := c.scanCount(ctx, modelId, true)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
