package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgduncan/go-offline-sync/stores"
)

func TestStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tests := []struct {
		name      string
		quota     int
		writes    map[string]string
		expectErr error
	}{
		{
			name:   "no quota accepts any write",
			writes: map[string]string{"a": "hello", "b": "world"},
		},
		{
			name:   "writes within quota",
			quota:  10,
			writes: map[string]string{"a": "hello", "b": "world"},
		},
		{
			name:      "write over quota is rejected",
			quota:     8,
			writes:    map[string]string{"a": "hello", "b": "world"},
			expectErr: stores.ErrQuotaExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewWithQuota(tt.quota)

			var err error
			for _, k := range []string{"a", "b"} {
				if v, ok := tt.writes[k]; ok {
					if err = s.Set(ctx, k, v); err != nil {
						break
					}
				}
			}

			if tt.expectErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.expectErr))
				return
			}
			require.NoError(t, err)

			for k, v := range tt.writes {
				got, err := s.Get(ctx, k)
				require.NoError(t, err)
				assert.Equal(t, v, got)
			}
		})
	}
}

func TestStoreReplaceAccountsForOldValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewWithQuota(10)

	require.NoError(t, s.Set(ctx, "k", "0123456789"))
	require.NoError(t, s.Set(ctx, "k", "abc"))
	assert.Equal(t, 3, s.Used())

	require.NoError(t, s.Remove(ctx, "k"))
	assert.Equal(t, 0, s.Used())

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, stores.ErrNotFound)
}
