//go:build integration

package dynamodb

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgduncan/go-offline-sync/stores"
)

const testTable = "offlinesync-test"

func setup(t *testing.T) *dynamodb.Client {
	t.Log("setup called")

	awsconfig, err := config.LoadDefaultConfig(context.TODO(), config.WithRegion("local"))
	require.NoError(t, err)

	c := dynamodb.NewFromConfig(awsconfig)

	require.NoError(t, CreateTable(context.Background(), c, testTable))

	t.Cleanup(func() {
		t.Log("cleanup called")
		if _, err := c.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{
			TableName: aws.String(testTable),
		}); err != nil {
			t.Log(err)
		}
	})

	return c
}

func TestStoreIntegration(t *testing.T) {
	c := setup(t)
	ctx := context.Background()

	s, err := New(ctx, c, &Config{Table: testTable})
	require.NoError(t, err)

	tests := []struct {
		name     string
		key      string
		value    string
		write    bool
		expected string
		found    bool
	}{
		{
			name:     "golden path - record found",
			key:      stores.KeyOutbox,
			value:    `[{"id":"1"}]`,
			write:    true,
			expected: `[{"id":"1"}]`,
			found:    true,
		},
		{
			name:  "golden path - record missing",
			key:   "key-miss",
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.write {
				require.NoError(t, s.Set(ctx, tt.key, tt.value))
			}

			got, err := s.Get(ctx, tt.key)
			if tt.found {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, got)
			} else {
				assert.ErrorIs(t, err, stores.ErrNotFound)
			}
		})
	}

	require.NoError(t, s.Remove(ctx, stores.KeyOutbox))
	_, err = s.Get(ctx, stores.KeyOutbox)
	assert.ErrorIs(t, err, stores.ErrNotFound)
}
