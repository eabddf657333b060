package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_WritesHolderRecord(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, ":8080")
	require.NoError(t, err)
	defer lock.Release()

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	h := parseHolder(string(data))
	assert.Equal(t, os.Getpid(), h.PID)
	assert.Equal(t, ":8080", h.Addr)
	assert.WithinDuration(t, time.Now(), h.Started, time.Minute)
}

func TestAcquire_Conflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, "")
	require.NoError(t, err)
	defer first.Release()

	second, err := Acquire(dir, "")
	if err == nil {
		second.Release()
		t.Fatal("second acquire should fail")
	}
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, os.Getpid(), conflict.Holder.PID, "losing attempt must not clobber the record")
	assert.Contains(t, err.Error(), "another DineFlow instance is already running")
	assert.Contains(t, err.Error(), dir)
}

func TestRelease_RemovesFileAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "")
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	_, err = os.Stat(lock.Path())
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, lock.Release())

	again, err := Acquire(dir, "")
	require.NoError(t, err)
	assert.NoError(t, again.Release())
}

func TestAcquire_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir, "")
	require.NoError(t, err)
	defer lock.Release()
	assert.DirExists(t, dir)
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		addr    string
	}{
		{"full record", "pid=12345 addr=:8080 started=2026-01-02T03:04:05Z\n", 12345, ":8080"},
		{"pid only", "pid=67890\n", 67890, ""},
		{"unknown keys", "other=info pid=42", 42, ""},
		{"empty", "", 0, ""},
		{"invalid pid", "pid=abc", 0, ""},
		{"no separator", "pid12345", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := parseHolder(tt.content)
			assert.Equal(t, tt.pid, h.PID)
			assert.Equal(t, tt.addr, h.Addr)
		})
	}
}

func TestConflictError_StaleHolder(t *testing.T) {
	err := &ConflictError{Path: "/tmp/x/dineflow.lock", Holder: Holder{PID: 999999999}}
	assert.True(t, strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "held by"))
	assert.Contains(t, (&ConflictError{Path: "p"}).Error(), "holder unknown")
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}
