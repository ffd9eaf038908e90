package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifd/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, CompactEvery: 3}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func collect(t *testing.T, st Store, bucket string) map[string]string {
	t.Helper()
	out := map[string]string{}
	var order []string
	require.NoError(t, st.Scan(context.Background(), bucket, func(k string, v []byte) error {
		out[k] = string(v)
		order = append(order, k)
		return nil
	}))
	for i := 1; i < len(order); i++ {
		require.Less(t, order[i-1], order[i], "scan must be key ordered")
	}
	return out
}

func TestDriversRoundTripAndSurviveReopen(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "notifd.db")
			ctx := context.Background()

			st := openDriver(t, driver, path)
			require.NoError(t, st.Put(ctx, BucketRecords, "b", []byte("2")))
			require.NoError(t, st.Put(ctx, BucketRecords, "a", []byte("1")))
			require.NoError(t, st.Put(ctx, BucketRecords, "c", []byte("3")))
			require.NoError(t, st.Put(ctx, BucketRecords, "a", []byte("1b")))
			require.NoError(t, st.Delete(ctx, BucketRecords, "c"))
			require.NoError(t, st.Put(ctx, BucketReminders, "1", []byte("r")))
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Actor: "test", Action: "slot.set", Target: "social", OK: true}))
			require.NoError(t, st.Close())

			st = openDriver(t, driver, path)
			defer st.Close()
			assert.Equal(t, map[string]string{"a": "1b", "b": "2"}, collect(t, st, BucketRecords))
			assert.Equal(t, map[string]string{"1": "r"}, collect(t, st, BucketReminders))
			assert.Empty(t, collect(t, st, BucketMeta))
		})
	}
}

func TestScanStopsOnCallbackError(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, st.Put(ctx, BucketMeta, k, []byte(k)))
	}
	stop := errors.New("stop")
	seen := 0
	err := st.Scan(ctx, BucketMeta, func(string, []byte) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Put(context.Background(), BucketMeta, "k", nil), ErrClosed)
}
