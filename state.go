// FILE: state.go
// Package main – Persistence of the risk governor state and blacklist.
//
// Stacks are NOT persisted: they are a cache rebuilt from broker positions by
// reconciliation. What must survive a restart is what the broker cannot tell
// us: the equity peak, whether trading was latched off, the daily baseline,
// the blacklist and which stacks are already being closed.
//
// Backends:
//   • FileStateStore  – JSON file written to a tmp file then renamed (default)
//   • RedisStateStore – one JSON value under a key, for hosts without a volume
//   • MemoryStateStore – process-local, for replays
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PersistedState is the on-disk document.
type PersistedState struct {
	Risk      RiskState                 `json:"risk"`
	Blacklist map[string]time.Time      `json:"blacklist,omitempty"`
	Closing   map[PositionID]CloseLatch `json:"closing,omitempty"`
	SavedAt   time.Time                 `json:"saved_at"`
}

// ErrNoState means nothing was persisted yet.
var ErrNoState = errors.New("no persisted state")

// StateStore loads and saves PersistedState.
type StateStore interface {
	Load(ctx context.Context) (PersistedState, error)
	Save(ctx context.Context, st PersistedState) error
}

// ---- file backend ----

type FileStateStore struct {
	path string
}

func NewFileStateStore(path string) *FileStateStore { return &FileStateStore{path: path} }

func (f *FileStateStore) Load(ctx context.Context) (PersistedState, error) {
	bs, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return PersistedState{}, ErrNoState
	}
	if err != nil {
		return PersistedState{}, err
	}
	var st PersistedState
	if err := json.Unmarshal(bs, &st); err != nil {
		return PersistedState{}, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return st, nil
}

func (f *FileStateStore) Save(ctx context.Context, st PersistedState) error {
	bs, err := json.MarshalIndent(st, "", " ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// ---- memory backend (replays, tests) ----

type MemoryStateStore struct {
	mu    sync.Mutex
	st    PersistedState
	saved bool
}

func NewMemoryStateStore() *MemoryStateStore { return &MemoryStateStore{} }

func (m *MemoryStateStore) Load(ctx context.Context) (PersistedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return PersistedState{}, ErrNoState
	}
	return m.st, nil
}

func (m *MemoryStateStore) Save(ctx context.Context, st PersistedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st, m.saved = st, true
	return nil
}

// ---- redis backend ----

type RedisStateStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStateStore(addr, password string, db int, key string) *RedisStateStore {
	if key == "" {
		key = "recoverybot:state"
	}
	return &RedisStateStore{
		rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		key: key,
	}
}

func (r *RedisStateStore) Load(ctx context.Context) (PersistedState, error) {
	bs, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return PersistedState{}, ErrNoState
	}
	if err != nil {
		return PersistedState{}, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	var st PersistedState
	if err := json.Unmarshal(bs, &st); err != nil {
		return PersistedState{}, fmt.Errorf("decode %s: %w", r.key, err)
	}
	return st, nil
}

func (r *RedisStateStore) Save(ctx context.Context, st PersistedState) error {
	bs, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key, bs, 0).Err()
}

func (r *RedisStateStore) Close() error { return r.rdb.Close() }

// ---- Fail-fast helpers (startup state mount check) ----

// shouldFatalNoStateMount returns true when the state file's parent directory
// is missing, not writable, or not a mounted volume. Booting without the
// persisted peak would silently reset the drawdown breaker.
func shouldFatalNoStateMount(stateFile string) bool {
	stateFile = strings.TrimSpace(stateFile)
	if stateFile == "" {
		return false
	}
	dir := filepath.Dir(stateFile)

	if _, err := os.Stat(stateFile); err == nil {
		return false
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return true
	}
	if f, err := os.CreateTemp(dir, "wtest-*.tmp"); err == nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
	} else {
		return true
	}
	isMount, err := isMounted(dir)
	if err == nil && !isMount {
		return true
	}
	return false
}

// isMounted checks /proc/self/mountinfo to see if dir is a mount point.
func isMounted(dir string) (bool, error) {
	bs, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return false, err
	}
	dir = filepath.Clean(dir)
	for _, ln := range strings.Split(string(bs), "\n") {
		parts := strings.Split(ln, " ")
		if len(parts) < 5 {
			continue
		}
		if filepath.Clean(parts[4]) == dir {
			return true, nil
		}
	}
	return false, nil
}
