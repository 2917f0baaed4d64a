package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"clusterd/cluster"
)

const DefaultDynamoDBTable = "clusterd-directory"

// DynamoDBAPI is the subset of *dynamodb.Client used here.
type DynamoDBAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBDirectory implements cluster.DirectoryClient. An entry is the
// item (cluster_name, key=entry) and a multi-valued attribute is a string
// set on it.
type DynamoDBDirectory struct {
	client      DynamoDBAPI
	tableName   string
	clusterName string
	log         zerolog.Logger
}

// NewDynamoDBClient loads the default AWS configuration. A non-empty
// endpoint overrides the service endpoint, e.g. for DynamoDB Local.
func NewDynamoDBClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func NewDynamoDBDirectory(client DynamoDBAPI, tableName, clusterName string, logger zerolog.Logger) *DynamoDBDirectory {
	if tableName == "" {
		tableName = DefaultDynamoDBTable
	}
	return &DynamoDBDirectory{
		client:      client,
		tableName:   tableName,
		clusterName: clusterName,
		log:         logger.With().Str("table", tableName).Logger(),
	}
}

// InitTable creates the directory table. An existing table is not an
// error.
func (d *DynamoDBDirectory) InitTable(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("cluster_name"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("key"),
				KeyType:       types.KeyTypeRange,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("cluster_name"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if errors.As(err, &resourceInUse) {
			d.log.Info().Msg("Table already exists, skipping creation")
			return nil
		}
		return fmt.Errorf("failed to create DynamoDB table: %w", err)
	}

	d.log.Info().Msg("Created DynamoDB table")
	return nil
}

func (d *DynamoDBDirectory) itemKey(entry string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"cluster_name": &types.AttributeValueMemberS{Value: d.clusterName},
		"key":          &types.AttributeValueMemberS{Value: entry},
	}
}

// InitEntry creates the entry item if it does not exist yet.
func (d *DynamoDBDirectory) InitEntry(ctx context.Context, entry string) error {
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                d.itemKey(entry),
		ConditionExpression: aws.String("attribute_not_exists(cluster_name)"),
	})
	if err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			d.log.Info().Str("entry", entry).Msg("Directory entry already exists")
			return nil
		}
		return fmt.Errorf("failed to create directory entry %s: %w", entry, err)
	}
	return nil
}

// DeleteEntry removes the entry item and every value on it.
func (d *DynamoDBDirectory) DeleteEntry(ctx context.Context, entry string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.itemKey(entry),
	})
	if err != nil {
		return fmt.Errorf("failed to delete directory entry %s: %w", entry, err)
	}
	return nil
}

func (d *DynamoDBDirectory) ReadMultiValued(ctx context.Context, entry, attr string) ([]string, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.itemKey(entry),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from DynamoDB: %w", entry, err)
	}
	if resp.Item == nil {
		return nil, cluster.ErrEntryNotFound
	}

	av, ok := resp.Item[attr]
	if !ok {
		return nil, nil
	}
	var values []string
	if err := attributevalue.Unmarshal(av, &values); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attribute %s: %w", attr, err)
	}
	return values, nil
}

func (d *DynamoDBDirectory) AddValue(ctx context.Context, entry, attr, value string) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.tableName),
		Key:                      d.itemKey(entry),
		UpdateExpression:         aws.String("ADD #attr :values"),
		ConditionExpression:      aws.String("attribute_exists(cluster_name)"),
		ExpressionAttributeNames: map[string]string{"#attr": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":values": &types.AttributeValueMemberSS{Value: []string{value}},
		},
	})
	if err != nil {
		return d.conditionError(err, cluster.ErrEntryNotFound, "add value to "+entry)
	}
	return nil
}

// ReplaceValue adds newValue on condition that oldValue is still
// present, then deletes oldValue. A string set cannot be added to and
// deleted from in one update, so a failure between the two calls leaves
// both values behind.
func (d *DynamoDBDirectory) ReplaceValue(ctx context.Context, entry, attr, oldValue, newValue string) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.tableName),
		Key:                      d.itemKey(entry),
		UpdateExpression:         aws.String("ADD #attr :values"),
		ConditionExpression:      aws.String("contains(#attr, :old)"),
		ExpressionAttributeNames: map[string]string{"#attr": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":values": &types.AttributeValueMemberSS{Value: []string{newValue}},
			":old":    &types.AttributeValueMemberS{Value: oldValue},
		},
	})
	if err != nil {
		return d.conditionError(err, cluster.ErrValueNotFound, "replace value on "+entry)
	}

	if err := d.DeleteValue(ctx, entry, attr, oldValue); err != nil && !errors.Is(err, cluster.ErrValueNotFound) {
		return err
	}
	return nil
}

func (d *DynamoDBDirectory) DeleteValue(ctx context.Context, entry, attr, value string) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.tableName),
		Key:                      d.itemKey(entry),
		UpdateExpression:         aws.String("DELETE #attr :values"),
		ConditionExpression:      aws.String("contains(#attr, :value)"),
		ExpressionAttributeNames: map[string]string{"#attr": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":values": &types.AttributeValueMemberSS{Value: []string{value}},
			":value":  &types.AttributeValueMemberS{Value: value},
		},
	})
	if err != nil {
		return d.conditionError(err, cluster.ErrValueNotFound, "delete value from "+entry)
	}
	return nil
}

// Ping checks that the table is reachable.
func (d *DynamoDBDirectory) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		return fmt.Errorf("failed to reach DynamoDB table %s: %w", d.tableName, err)
	}
	return nil
}

func (d *DynamoDBDirectory) conditionError(err error, sentinel error, op string) error {
	var conditionErr *types.ConditionalCheckFailedException
	if errors.As(err, &conditionErr) {
		return fmt.Errorf("failed to %s: %w", op, sentinel)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
