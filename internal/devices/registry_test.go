// ABOUTME: Tests for the device registry
// ABOUTME: Covers registration, duplicate rejection, removal, and counter replay detection

package devices

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greyzone/greyzone/internal/store"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *store.SQLiteStore) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return NewRegistry(s, opts...), s
}

func testCredential(id string, counter uint32) Credential {
	return Credential{
		ID:              []byte(id),
		PublicKey:       []byte("cose-key-" + id),
		Counter:         counter,
		AttestationType: "none",
		Transports:      []string{"internal"},
	}
}

func TestRegister(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	dev, err := reg.Register(ctx, "Phone", testCredential("cred-1", 0))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dev.ID, "dev_"))
	assert.Len(t, dev.ID, len("dev_")+8)
	assert.Equal(t, "Phone", dev.Name)

	got, err := reg.Lookup(ctx, []byte("cred-1"))
	require.NoError(t, err)
	assert.Equal(t, dev.ID, got.ID)
}

func TestRegister_DefaultName(t *testing.T) {
	reg, _ := newTestRegistry(t)

	dev, err := reg.Register(context.Background(), "", testCredential("cred-1", 0))
	require.NoError(t, err)
	assert.Equal(t, DefaultDeviceName, dev.Name)
}

func TestRegister_Duplicate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "A", testCredential("cred-1", 0))
	require.NoError(t, err)

	_, err = reg.Register(ctx, "B", testCredential("cred-1", 0))
	assert.ErrorIs(t, err, ErrDuplicateCredential)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExcludedCredentialIDs(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	ids, err := reg.ExcludedCredentialIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = reg.Register(ctx, "A", testCredential("cred-1", 0))
	require.NoError(t, err)
	_, err = reg.Register(ctx, "B", testCredential("cred-2", 0))
	require.NoError(t, err)

	ids, err = reg.ExcludedCredentialIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]byte{[]byte("cred-1"), []byte("cred-2")}, ids)
}

func TestRemove(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	dev, err := reg.Register(ctx, "A", testCredential("cred-1", 0))
	require.NoError(t, err)

	removed, err := reg.Remove(ctx, dev.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = reg.Remove(ctx, dev.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = reg.Lookup(ctx, []byte("cred-1"))
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestVerifyAndAdvanceCounter(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	reg, s := newTestRegistry(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	dev, err := reg.Register(ctx, "A", testCredential("cred-1", 5))
	require.NoError(t, err)

	tests := []struct {
		name      string
		presented uint32
		wantErr   error
		wantStore uint32
	}{
		{"equal counter is a replay", 5, ErrReplayDetected, 5},
		{"lower counter is a replay", 4, ErrReplayDetected, 5},
		{"zero after non-zero is a replay", 0, ErrReplayDetected, 5},
		{"greater counter advances", 6, nil, 6},
		{"large jump advances", 1000, nil, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.VerifyAndAdvanceCounter(ctx, []byte("cred-1"), tt.presented)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.presented, got.Counter)
				require.NotNil(t, got.LastUsedAt)
				assert.True(t, got.LastUsedAt.Equal(fixed))
			}

			stored, err := s.GetDevice(ctx, dev.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStore, stored.Counter)
		})
	}
}

func TestVerifyAndAdvanceCounter_ZeroCounterAuthenticator(t *testing.T) {
	ctx := context.Background()

	t.Run("permitted by default", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		_, err := reg.Register(ctx, "A", testCredential("cred-1", 0))
		require.NoError(t, err)

		for range 3 {
			_, err := reg.VerifyAndAdvanceCounter(ctx, []byte("cred-1"), 0)
			assert.NoError(t, err)
		}
	})

	t.Run("rejected when strict", func(t *testing.T) {
		reg, _ := newTestRegistry(t, WithStrictCounter(true))
		_, err := reg.Register(ctx, "A", testCredential("cred-1", 0))
		require.NoError(t, err)

		_, err = reg.VerifyAndAdvanceCounter(ctx, []byte("cred-1"), 0)
		assert.ErrorIs(t, err, ErrReplayDetected)
	})
}

func TestVerifyAndAdvanceCounter_UnknownDevice(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.VerifyAndAdvanceCounter(context.Background(), []byte("nope"), 1)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestWithStore_UsesTransaction(t *testing.T) {
	reg, s := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "A", testCredential("cred-1", 1))
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx store.Store) error {
		if _, err := reg.WithStore(tx).VerifyAndAdvanceCounter(ctx, []byte("cred-1"), 2); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	dev, err := reg.Lookup(ctx, []byte("cred-1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), dev.Counter, "rolled back advance must not persist")
}
