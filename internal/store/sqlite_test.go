// ABOUTME: Tests for SQLite store setup, transactions, and migrations
// ABOUTME: Uses temp-file databases so every test gets an isolated store

package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.CreateRequest(ctx, testRequest("req_reopen0001", time.Now(), time.Minute)))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetRequest(ctx, "req_reopen0001")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestMigrations_AddMissingColumns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE devices (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			credential_id BLOB UNIQUE NOT NULL,
			public_key    BLOB NOT NULL,
			counter       INTEGER NOT NULL DEFAULT 0,
			user_agent    TEXT,
			attestation_type TEXT,
			transports    TEXT,
			registered_at TEXT NOT NULL,
			last_used_at  TEXT
		)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	dev := testDevice("dev_00000001", []byte("cred-1"))
	dev.BackupEligible = true
	require.NoError(t, store.CreateDevice(ctx, dev))

	got, err := store.GetDevice(ctx, dev.ID)
	require.NoError(t, err)
	assert.True(t, got.BackupEligible)
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx Store) error {
		return tx.CreateRequest(ctx, testRequest("req_txcommit001", time.Now(), time.Minute))
	})
	require.NoError(t, err)

	_, err = store.GetRequest(ctx, "req_txcommit001")
	assert.NoError(t, err)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CreateChallenge(ctx, testChallenge("ch-1", ChallengeAuthentication, now, time.Minute)))

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx Store) error {
		if _, err := tx.RedeemChallenge(ctx, "ch-1", ChallengeAuthentication, now); err != nil {
			return err
		}
		if err := tx.CreateRequest(ctx, testRequest("req_txrollback1", now, time.Minute)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetRequest(ctx, "req_txrollback1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The redeemed challenge is restored by the rollback
	_, err = store.RedeemChallenge(ctx, "ch-1", ChallengeAuthentication, now)
	assert.NoError(t, err)
}

func TestInTx_Nested(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx Store) error {
		return tx.InTx(ctx, func(inner Store) error {
			return inner.CreateRequest(ctx, testRequest("req_txnested001", time.Now(), time.Minute))
		})
	})
	require.NoError(t, err)

	_, err = store.GetRequest(ctx, "req_txnested001")
	assert.NoError(t, err)
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestFormatTime_SortsLexically(t *testing.T) {
	a := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	b := a.Add(999 * time.Millisecond)
	c := a.Add(time.Second)

	assert.Less(t, formatTime(a), formatTime(b))
	assert.Less(t, formatTime(b), formatTime(c))
	assert.Len(t, formatTime(a), len(formatTime(c)))

	parsed, err := parseTime(formatTime(b))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(b))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func testRequest(id string, now time.Time, ttl time.Duration) *Request {
	return &Request{
		ID:        id,
		Command:   "echo hello",
		Reason:    "testing",
		Agent:     "test-agent",
		Priority:  PriorityNormal,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func testDevice(id string, credentialID []byte) *Device {
	return &Device{
		ID:              id,
		Name:            "Test Device",
		CredentialID:    credentialID,
		PublicKey:       []byte{0xa5, 0x01, 0x02},
		AttestationType: "none",
		Transports:      []string{"internal", "hybrid"},
		RegisteredAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testChallenge(id string, kind ChallengeKind, now time.Time, ttl time.Duration) *Challenge {
	return &Challenge{
		ID:        id,
		Kind:      kind,
		Value:     "Y2hhbGxlbmdl",
		Session:   []byte(`{"challenge":"Y2hhbGxlbmdl"}`),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}
