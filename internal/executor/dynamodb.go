package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/chainkit/txbatcher/internal/core"
)

// Item is the payload shape DynamoDBExecutor expects: one keyed value to
// put, with an optional expiry.
type Item struct {
	Key   string        `json:"key"`
	Value []byte        `json:"value"`
	TTL   time.Duration `json:"ttl,omitempty"`
}

// DynamoConfig holds connection settings for DynamoDBExecutor.
type DynamoConfig struct {
	Region          string
	TableName       string
	Endpoint        string // non-empty for LocalStack or similar
	AccessKeyID     string
	SecretAccessKey string
}

// DynamoDBExecutor writes Item payloads to a DynamoDB table.
type DynamoDBExecutor struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoDBExecutor builds the client and verifies the table exists.
func NewDynamoDBExecutor(cfg DynamoConfig) (*DynamoDBExecutor, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if cfg.TableName == "" {
		return nil, fmt.Errorf("table name is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	clientOptions := []func(*dynamodb.Options){}
	if cfg.Endpoint != "" {
		clientOptions = append(clientOptions, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	client := dynamodb.NewFromConfig(awsCfg, clientOptions...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(cfg.TableName),
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB table %s: %w", cfg.TableName, err)
	}

	return &DynamoDBExecutor{client: client, tableName: cfg.TableName}, nil
}

// Execute puts one item. The payload must be an Item or *Item.
func (e *DynamoDBExecutor) Execute(ctx context.Context, payload any) (any, error) {
	var item Item
	switch p := payload.(type) {
	case Item:
		item = p
	case *Item:
		item = *p
	default:
		return nil, fmt.Errorf("%w: expected executor.Item, got %T", core.ErrInvalidPayload, payload)
	}
	if item.Key == "" {
		return nil, fmt.Errorf("%w: empty item key", core.ErrInvalidPayload)
	}

	attrs := map[string]types.AttributeValue{
		"key":        &types.AttributeValueMemberS{Value: item.Key},
		"value":      &types.AttributeValueMemberB{Value: item.Value},
		"created_at": &types.AttributeValueMemberS{Value: time.Now().Format(time.RFC3339Nano)},
	}
	if item.TTL > 0 {
		expiry := time.Now().Add(item.TTL).Unix()
		attrs["ttl"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiry)}
	}

	if _, err := e.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(e.tableName),
		Item:      attrs,
	}); err != nil {
		return nil, fmt.Errorf("failed to put item %s: %w", item.Key, err)
	}
	return item.Key, nil
}

// Close is a no-op; the SDK client holds no long-lived connections that
// need explicit release.
func (e *DynamoDBExecutor) Close() error {
	return nil
}
