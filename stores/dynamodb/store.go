package dynamodb

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/dgduncan/go-offline-sync/stores"
)

// MaxItemBytes is the DynamoDB item size limit. The value attribute gets a
// little less so the key and timestamps still fit.
const MaxItemBytes = 400 * 1024

const itemOverheadBytes = 1024

const (
	attrKey = "record_key"
)

// Config defines the configuration options for the DynamoDB store implementation.
type Config struct {
	Table string

	// MaxValueBytes caps a single record. Zero means the DynamoDB item limit.
	MaxValueBytes int
}

// Store implements stores.Store using Amazon DynamoDB as the storage backend.
// Each record is one item keyed by its record key.
type Store struct {
	client *dynamodb.Client

	table         string
	maxValueBytes int
	now           func() time.Time
}

var _ stores.Store = (*Store)(nil)

type record struct {
	Key       string `json:"record_key" dynamodbav:"record_key"`
	Value     string `json:"value" dynamodbav:"value"`
	UpdatedAt int64  `json:"updated_at" dynamodbav:"updated_at"`
}

// Get retrieves a record from DynamoDB by its key.
func (s *Store) Get(ctx context.Context, k string) (string, error) {
	key, err := attributevalue.Marshal(k)
	if err != nil {
		return "", err
	}

	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key: map[string]types.AttributeValue{
			attrKey: key,
		},
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(s.table),
	})
	if err != nil {
		return "", err
	}

	if output.Item == nil {
		return "", stores.ErrNotFound
	}

	var item record
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return "", err
	}

	return item.Value, nil
}

// Set writes the record, replacing any previous item with the same key.
// Records over the item size limit fail with stores.ErrQuotaExceeded.
func (s *Store) Set(ctx context.Context, k, v string) error {
	if len(v) > s.maxValueBytes {
		return stores.QuotaError{Key: k, Size: len(v), Limit: s.maxValueBytes}
	}

	av, err := attributevalue.MarshalMap(record{
		Key:       k,
		Value:     v,
		UpdatedAt: s.now().UTC().Unix(),
	})
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if isItemTooLarge(err) {
		return errors.Join(stores.QuotaError{Key: k, Size: len(v)}, err)
	}
	return err
}

// Remove deletes the record. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, k string) error {
	key, err := attributevalue.Marshal(k)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrKey: key,
		},
	})
	return err
}

func isItemTooLarge(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationException" &&
		strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "item size")
}

// New creates a new DynamoDB store instance with the provided configuration.
// Returns an error if the client is nil or if the configuration is invalid.
func New(_ context.Context, client *dynamodb.Client, config *Config) (*Store, error) {
	if client == nil {
		return nil, stores.ValidationError{
			Reason: "nil client",
		}
	}

	if config == nil || config.Table == "" {
		return nil, stores.ValidationError{
			Reason: "missing table",
		}
	}

	maxValueBytes := config.MaxValueBytes
	if maxValueBytes <= 0 || maxValueBytes > MaxItemBytes-itemOverheadBytes {
		maxValueBytes = MaxItemBytes - itemOverheadBytes
	}

	return &Store{
		client: client,

		table:         config.Table,
		maxValueBytes: maxValueBytes,
		now:           time.Now,
	}, nil
}
