// Package testutil provides DuckDB-backed fixtures shared by package tests.
package testutil

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cnc-iiot/backend/internal/models"
	"github.com/cnc-iiot/backend/internal/storage"
)

// ErrInjected is the cause wrapped by failures a FaultyStore injects.
var ErrInjected = errors.New("injected failure")

// NewDuckStore opens a migrated store in a temp directory. It is closed
// when the test ends.
func NewDuckStore(t testing.TB) *storage.DuckStore {
	t.Helper()
	store, err := storage.OpenDuckStore(filepath.Join(t.TempDir(), "test.duckdb"), storage.Options{Threads: 1})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

// Lines joins lines into a newline terminated log.
func Lines(lines ...string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

// Stamped prefixes each line with a controller timestamp, starting at base
// and advancing by step.
func Stamped(base time.Time, step time.Duration, lines ...string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = base.Add(time.Duration(i)*step).Format("2006-01-02 15:04:05.000") + " " + l
	}
	return out
}

// FaultyStore wraps a DuckStore and fails selected calls with a
// storage.PersistenceError.
type FaultyStore struct {
	*storage.DuckStore

	mu              sync.Mutex
	commitCalls     int
	failCommit      map[int]bool
	failIncomplete  bool
	incompleteCalls int
}

// NewFaultyStore wraps store with no failures armed.
func NewFaultyStore(store *storage.DuckStore) *FaultyStore {
	return &FaultyStore{DuckStore: store, failCommit: make(map[int]bool)}
}

// FailCommitAt arms a failure for the n-th CommitLine call (1-based, counted
// since the store was wrapped).
func (f *FaultyStore) FailCommitAt(n int) {
	f.mu.Lock()
	f.failCommit[n] = true
	f.mu.Unlock()
}

// FailMarkIncomplete makes every MarkIncomplete call fail.
func (f *FaultyStore) FailMarkIncomplete(fail bool) {
	f.mu.Lock()
	f.failIncomplete = fail
	f.mu.Unlock()
}

// CommitCalls returns how many times CommitLine was called.
func (f *FaultyStore) CommitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitCalls
}

// IncompleteCalls returns how many times MarkIncomplete was called.
func (f *FaultyStore) IncompleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.incompleteCalls
}

func (f *FaultyStore) CommitLine(ctx context.Context, w storage.LineWrite) (storage.LineResult, error) {
	f.mu.Lock()
	f.commitCalls++
	fail := f.failCommit[f.commitCalls]
	f.mu.Unlock()
	if fail {
		return storage.LineResult{}, &storage.PersistenceError{Op: "commit line", Err: ErrInjected}
	}
	return f.DuckStore.CommitLine(ctx, w)
}

func (f *FaultyStore) MarkIncomplete(ctx context.Context, machineID string, tr models.Transition) error {
	f.mu.Lock()
	f.incompleteCalls++
	fail := f.failIncomplete
	f.mu.Unlock()
	if fail {
		return &storage.PersistenceError{Op: "mark incomplete", Err: ErrInjected}
	}
	return f.DuckStore.MarkIncomplete(ctx, machineID, tr)
}
