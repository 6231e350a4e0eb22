package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoConfig holds configuration for the DynamoDB driver.
type DynamoConfig struct {
	Table           string
	Namespace       string // partition key value shared by every record
	Region          string
	Endpoint        string // optional override, e.g. DynamoDB Local
	AccessKeyID     string
	SecretAccessKey string
}

// DynamoAPI is the subset of the DynamoDB client used by DynamoKV.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoKV implements KV on a DynamoDB table keyed by (pk, sk): pk is the
// namespace and sk the record key, so prefix scans are a single Query.
type DynamoKV struct {
	api       DynamoAPI
	table     string
	namespace string
	now       func() time.Time
}

const (
	attrPK        = "pk"
	attrSK        = "sk"
	attrValue     = "value"
	attrUpdatedAt = "updatedAt"
	attrExpiresAt = "expiresAt"
)

// NewDynamoKV builds a client from the default AWS credential chain, or from
// static keys when cfg carries them.
func NewDynamoKV(ctx context.Context, cfg DynamoConfig) (*DynamoKV, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoKVFromAPI(client, cfg.Table, cfg.Namespace), nil
}

// NewDynamoKVFromAPI wraps an existing client.
func NewDynamoKVFromAPI(api DynamoAPI, table, namespace string) *DynamoKV {
	if namespace == "" {
		namespace = "heroquote"
	}
	return &DynamoKV{api: api, table: table, namespace: namespace, now: time.Now}
}

// AWSCredentialsAvailable reports whether the default credential chain can
// plausibly resolve credentials: static keys, a profile, or a trusted
// execution context (Lambda, ECS/EKS task roles) that injects them.
func AWSCredentialsAvailable(cfg DynamoConfig) bool {
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		return true
	}
	for _, env := range []string{
		"AWS_ACCESS_KEY_ID",
		"AWS_PROFILE",
		"AWS_LAMBDA_FUNCTION_NAME",
		"AWS_CONTAINER_CREDENTIALS_RELATIVE_URI",
		"AWS_CONTAINER_CREDENTIALS_FULL_URI",
		"AWS_WEB_IDENTITY_TOKEN_FILE",
	} {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return false
}

func (d *DynamoKV) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: d.namespace},
		attrSK: &types.AttributeValueMemberS{Value: key},
	}
}

func (d *DynamoKV) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 || d.itemExpired(out.Item) {
		return nil, ErrNotFound
	}
	v, ok := out.Item[attrValue].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("dynamodb item %q has no string value", key)
	}
	return []byte(v.Value), nil
}

func (d *DynamoKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      d.item(key, value, 0),
	})
	return err
}

func (d *DynamoKV) Delete(ctx context.Context, key string) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.itemKey(key),
	})
	return err
}

// Scan queries the namespace partition with begins_with on the sort key and
// reads every page.
func (d *DynamoKV) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	cond := "#pk = :pk"
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: d.namespace},
	}
	names := map[string]string{"#pk": attrPK}
	if prefix != "" {
		cond += " AND begins_with(#sk, :prefix)"
		values[":prefix"] = &types.AttributeValueMemberS{Value: prefix}
		names["#sk"] = attrSK
	}

	out := make(map[string][]byte)
	pages := dynamodb.NewQueryPaginator(d.api, &dynamodb.QueryInput{
		TableName:                 aws.String(d.table),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if d.itemExpired(item) {
				continue
			}
			sk, ok1 := item[attrSK].(*types.AttributeValueMemberS)
			v, ok2 := item[attrValue].(*types.AttributeValueMemberS)
			if ok1 && ok2 {
				out[sk.Value] = []byte(v.Value)
			}
		}
	}
	return out, nil
}

// SetNX is a conditional put: it succeeds when the item is absent or its
// expiresAt is in the past.
func (d *DynamoKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := d.now()
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.table),
		Item:                     d.item(key, value, ttl),
		ConditionExpression:      aws.String("attribute_not_exists(#sk) OR #exp < :now"),
		ExpressionAttributeNames: map[string]string{"#sk": attrSK, "#exp": attrExpiresAt},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DynamoKV) Ping(ctx context.Context) error {
	_, err := d.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	return err
}

func (d *DynamoKV) Close() error { return nil }

func (d *DynamoKV) item(key string, value []byte, ttl time.Duration) map[string]types.AttributeValue {
	now := d.now()
	item := d.itemKey(key)
	item[attrValue] = &types.AttributeValueMemberS{Value: string(value)}
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)}
	if ttl > 0 {
		item[attrExpiresAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).Unix(), 10)}
	}
	return item
}

func (d *DynamoKV) itemExpired(item map[string]types.AttributeValue) bool {
	exp, ok := item[attrExpiresAt].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	sec, err := strconv.ParseInt(exp.Value, 10, 64)
	if err != nil {
		return false
	}
	return d.now().Unix() > sec
}
