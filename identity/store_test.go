package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/sessionctl/common"
)

// countingGenerator wraps a seeded PresetGenerator and counts calls.
type countingGenerator struct {
	calls atomic.Int32
	inner Generator
}

func newCountingGenerator() *countingGenerator {
	return &countingGenerator{inner: NewSeededGenerator(1, 2)}
}

func (g *countingGenerator) Generate(p Policy) (*Fingerprint, error) {
	g.calls.Add(1)
	return g.inner.Generate(p)
}

func newTestStore(t *testing.T, gen Generator, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), gen, DefaultPolicy(), opts...)
	require.NoError(t, err)
	return s
}

func TestStore_PathFor(t *testing.T) {
	s := newTestStore(t, nil)

	dir, record, err := s.PathFor("acct_42")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.BaseDir(), "acct_42"), dir)
	assert.Equal(t, filepath.Join(dir, "fingerprint.cbor"), record)
	assert.DirExists(t, dir)

	// Deterministic and idempotent
	dir2, record2, err := s.PathFor("acct_42")
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)
	assert.Equal(t, record, record2)
}

func TestValidateAccountID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"acct_42", false},
		{"user@example.com", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../escape", true},
		{"a/b", true},
		{`a\b`, true},
		{".hidden", true},
		{"nul\x00byte", true},
	}

	for _, tt := range tests {
		err := ValidateAccountID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAccountID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, common.ErrInvalidAccountID) {
			t.Errorf("ValidateAccountID(%q) should wrap ErrInvalidAccountID", tt.id)
		}
	}
}

func TestStore_LoadOrCreateIsIdempotent(t *testing.T) {
	gen := newCountingGenerator()
	s := newTestStore(t, gen)
	ctx := context.Background()

	first, err := s.LoadOrCreate(ctx, "acct_42")
	require.NoError(t, err)

	_, record, _ := s.PathFor("acct_42")
	before, err := os.ReadFile(record)
	require.NoError(t, err)
	info, err := os.Stat(record)
	require.NoError(t, err)

	second, err := s.LoadOrCreate(ctx, "acct_42")
	require.NoError(t, err)

	after, err := os.ReadFile(record)
	require.NoError(t, err)
	info2, err := os.Stat(record)
	require.NoError(t, err)

	assert.Equal(t, int32(1), gen.calls.Load(), "generator must run once per account")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, before, after, "record must not be rewritten")
	assert.Equal(t, info.ModTime(), info2.ModTime())
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(record))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp files must be cleaned up")
	}
}

func TestStore_ConcurrentLoadOrCreate(t *testing.T) {
	gen := newCountingGenerator()
	s := newTestStore(t, gen)

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp, err := s.LoadOrCreate(context.Background(), "acct_42")
			if assert.NoError(t, err) {
				ids[i] = fp.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), gen.calls.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Zero(t, s.locks.size(), "lock entries should be released")
}

func TestStore_RacingStoresAgreeOnOneRecord(t *testing.T) {
	dir := t.TempDir()
	var stores []*Store
	for i := 0; i < 4; i++ {
		s, err := NewStore(dir, NewSeededGenerator(uint64(i), 7), DefaultPolicy(), WithoutFileLock())
		require.NoError(t, err)
		stores = append(stores, s)
	}

	ids := make([]string, 32)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp, err := stores[i%len(stores)].LoadOrCreate(context.Background(), "acct_7")
			if assert.NoError(t, err) {
				ids[i] = fp.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "the first record written wins for every caller")
	}
}

func TestStore_DifferentAccountsDoNotBlock(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	lease, err := s.Acquire(ctx, "acct_1")
	require.NoError(t, err)
	defer lease.Release()

	done := make(chan error, 1)
	go func() {
		_, err := s.LoadOrCreate(ctx, "acct_2")
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("LoadOrCreate for another account blocked on an unrelated lease")
	}
}

func TestStore_AcquireIsExclusive(t *testing.T) {
	s := newTestStore(t, nil)

	lease, err := s.Acquire(context.Background(), "acct_42")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "acct_42")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	lease.Release()
	lease.Release() // idempotent

	lease2, err := s.Acquire(context.Background(), "acct_42")
	require.NoError(t, err)
	lease2.Release()
}

func TestLease_LoadOrCreate(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	lease, err := s.Acquire(ctx, "acct_42")
	require.NoError(t, err)

	fp, err := lease.LoadOrCreate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, fp.UserAgent)
	assert.Equal(t, filepath.Join(s.BaseDir(), "acct_42"), lease.ProfileDir())

	lease.Release()
	_, err = lease.LoadOrCreate(ctx)
	assert.Error(t, err, "a released lease must not be used")
}

func TestStore_CorruptRecordIsStorageError(t *testing.T) {
	gen := newCountingGenerator()
	s := newTestStore(t, gen)

	_, record, err := s.PathFor("acct_42")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(record, []byte("not cbor"), 0600))

	_, err = s.LoadOrCreate(context.Background(), "acct_42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrStorage))
	assert.Equal(t, common.KindStorage, common.KindOf(err))
	assert.Zero(t, gen.calls.Load(), "an unreadable record must not be replaced")
}

func TestStore_UnwritableBaseDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	_, err := NewStore(file, nil, DefaultPolicy())
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrStorage))
}

func TestStore_PolicyUnsatisfiable(t *testing.T) {
	policy := DefaultPolicy()
	policy.MinScreenWidth = 10000
	s, err := NewStore(t.TempDir(), nil, policy)
	require.NoError(t, err)

	_, err = s.LoadOrCreate(context.Background(), "acct_42")
	assert.True(t, errors.Is(err, common.ErrPolicyUnsatisfiable))

	_, record, _ := s.PathFor("acct_42")
	assert.NoFileExists(t, record)
}

func TestStore_LookupAndReset(t *testing.T) {
	gen := newCountingGenerator()
	s := newTestStore(t, gen)
	ctx := context.Background()

	_, ok, err := s.Lookup("acct_42")
	require.NoError(t, err)
	assert.False(t, ok, "Lookup must not create a record")

	created, err := s.LoadOrCreate(ctx, "acct_42")
	require.NoError(t, err)

	found, ok, err := s.Lookup("acct_42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, found.ID)

	require.NoError(t, s.Reset(ctx, "acct_42"))
	regenerated, err := s.LoadOrCreate(ctx, "acct_42")
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, regenerated.ID)
	assert.Equal(t, int32(2), gen.calls.Load())

	// Reset of an account without a record is not an error
	assert.NoError(t, s.Reset(ctx, "acct_99"))
}
