package tofu

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordFirstContact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	records, err := s.Lookup(ctx, "example.org", "203.0.113.1")
	require.NoError(t, err)
	require.Empty(t, records)

	der := []byte("fake-der-bytes")
	fingerprint := "abc123"
	require.NoError(t, s.Record(ctx, "example.org", "203.0.113.1", fingerprint, der, now))

	records, err = s.Lookup(ctx, "example.org", "203.0.113.1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, fingerprint, records[0].Fingerprint)
	require.Equal(t, 1, records[0].Count)

	blobPath := filepath.Join(s.certDir, fingerprint+".crt")
	data, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	require.Equal(t, der, data)
}

func TestRecordMatchIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now()

	require.NoError(t, s.Record(ctx, "example.org", "203.0.113.1", "fp1", []byte("a"), t0))
	require.NoError(t, s.Record(ctx, "example.org", "203.0.113.1", "fp1", []byte("a"), t0.Add(time.Minute)))
	require.NoError(t, s.Record(ctx, "example.org", "203.0.113.1", "fp1", []byte("a"), t0.Add(2*time.Minute)))

	records, err := s.Lookup(ctx, "example.org", "203.0.113.1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 3, records[0].Count)
	require.True(t, records[0].LastSeen.After(t0) || records[0].LastSeen.Equal(t0))
}

func TestRecordMismatchAddsSecondRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Record(ctx, "example.org", "203.0.113.1", "fp1", []byte("a"), now))
	require.NoError(t, s.Record(ctx, "example.org", "203.0.113.1", "fp1", []byte("a"), now))
	require.NoError(t, s.Record(ctx, "example.org", "203.0.113.1", "fp1", []byte("a"), now))

	records, err := s.Lookup(ctx, "example.org", "203.0.113.1")
	require.NoError(t, err)
	most, ok := MostFrequent(records)
	require.True(t, ok)
	require.Equal(t, "fp1", most.Fingerprint)
	require.Equal(t, 3, most.Count)
	require.False(t, Match(records, "fp2"))

	require.NoError(t, s.Record(ctx, "example.org", "203.0.113.1", "fp2", []byte("b"), now))
	records, err = s.Lookup(ctx, "example.org", "203.0.113.1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.True(t, Match(records, "fp2"))
}
