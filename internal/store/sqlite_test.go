package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartengine/internal/model"
)

func createTestBackend(t *testing.T, opts ...SQLiteOption) *SQLiteBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cart.db")
	s, err := OpenSQLite(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSQLite_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cart.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cart.db")

	for i := 0; i < 3; i++ {
		s, err := OpenSQLite(path)
		require.NoError(t, err, "open iteration %d", i)
		s.Close()
	}

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	var name string
	err = s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='cart_records'").Scan(&name)
	require.NoError(t, err)
}

func TestOpenSQLite_Pragmas(t *testing.T) {
	s := createTestBackend(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", fmt.Sprint(currentSchemaVersion)))
}

func TestOpenSQLite_RefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cart.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion+1))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = OpenSQLite(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestSQLiteBackend_CRUD(t *testing.T) {
	ctx := context.Background()
	s := createTestBackend(t)

	_, ok, err := s.Get(ctx, "cart:a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "cart:a", []byte("one")))
	require.NoError(t, s.Put(ctx, "cart:a", []byte("two")))
	require.NoError(t, s.Put(ctx, "cart:b", []byte("three")))
	require.NoError(t, s.Put(ctx, "other:c", []byte("four")))

	v, ok, err := s.Get(ctx, "cart:a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", string(v))

	keys, err := s.Keys(ctx, KeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"cart:a", "cart:b"}, keys)

	require.NoError(t, s.Delete(ctx, "cart:a"))
	require.NoError(t, s.Delete(ctx, "cart:a"))
	keys, err = s.Keys(ctx, KeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"cart:b"}, keys)
}

func TestSQLiteBackend_KeysPrefixIsLiteral(t *testing.T) {
	ctx := context.Background()
	s := createTestBackend(t)

	require.NoError(t, s.Put(ctx, "cart:%", []byte("x")))
	require.NoError(t, s.Put(ctx, "cartX", []byte("x")))

	keys, err := s.Keys(ctx, "cart:")
	require.NoError(t, err)
	assert.Equal(t, []string{"cart:%"}, keys)
}

func TestSQLiteBackend_Quota(t *testing.T) {
	ctx := context.Background()
	s := createTestBackend(t, WithQuota(10))

	require.NoError(t, s.Put(ctx, "cart:a", []byte("12345")))
	require.NoError(t, s.Put(ctx, "cart:b", []byte("12345")))
	assert.ErrorIs(t, s.Put(ctx, "cart:c", []byte("1")), ErrQuotaExceeded)

	// Replacing a key only counts the new value.
	require.NoError(t, s.Put(ctx, "cart:a", []byte("1234")))

	used, err := s.Used(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), used)

	v, _, err := s.Get(ctx, "cart:b")
	require.NoError(t, err)
	assert.Equal(t, "12345", string(v), "rejected write leaves data intact")
}

func TestSQLiteBackend_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cart.db")

	s1, err := OpenSQLite(path)
	require.NoError(t, err)
	a1 := NewAdapter(s1)
	items := []model.CartItem{testItem("tripod-1", "", 3, baseTime)}
	require.NoError(t, a1.Save(ctx, "global", items))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	res, err := NewAdapter(s2).Load(ctx, "global")
	require.NoError(t, err)
	assert.Equal(t, items, res.Items)
}
