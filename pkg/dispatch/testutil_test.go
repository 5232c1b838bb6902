package dispatch_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"architect/pkg/protocol"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "architect.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

// fakeRunner records invocations and returns canned output per command verb.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	output   map[string]string
	failWith map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{output: map[string]string{}, failWith: map[string]error{}}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for verb, err := range f.failWith {
		if strings.Contains(call, verb) {
			return nil, err
		}
	}
	for verb, out := range f.output {
		if strings.Contains(call, verb) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func (f *fakeRunner) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeInjector satisfies dispatch.Injector for dispatcher tests.
type fakeInjector struct {
	mu        sync.Mutex
	injected  []string
	keys      []string
	failNext  error
	lastPanes []string
}

func (f *fakeInjector) Inject(_ context.Context, w protocol.Worker, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.injected = append(f.injected, fmt.Sprintf("%s<-%s", w.Name, text))
	f.lastPanes = append(f.lastPanes, w.Session)
	return nil
}

func (f *fakeInjector) Capture(_ context.Context, w protocol.Worker, _ int) (string, error) {
	return "", nil
}

func (f *fakeInjector) SendKey(_ context.Context, w protocol.Worker, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, w.Name+"<-"+key)
	return nil
}
