package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/uesteibar/opsdeck/internal/gitops"
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateKey checks that a workspace key is safe to use as a path segment.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("workspace key must not be empty")
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid workspace key %q: must match ^[a-zA-Z0-9._-]+$", key)
	}
	return nil
}

// Manager hands out run directories under a single root:
//
//	<root>/runs/<key>-<random>/   one-shot, removed by Release
//	<root>/cache/<project hash>/  persistent per project, reused across runs
type Manager struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager rooted at root.
func NewManager(root string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: root, logger: logger, locks: make(map[string]*sync.Mutex)}
}

// Root returns the directory every workspace lives under.
func (m *Manager) Root() string { return m.root }

// Acquire creates a fresh, empty one-shot workspace for key.
func (m *Manager) Acquire(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	runs := filepath.Join(m.root, "runs")
	if err := os.MkdirAll(runs, 0755); err != nil {
		return "", fmt.Errorf("creating workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(runs, key+"-")
	if err != nil {
		return "", fmt.Errorf("creating workspace for %s: %w", key, err)
	}
	return dir, nil
}

// Release removes a workspace directory. Missing or partially removed
// directories are fine; removal errors are logged and swallowed.
func (m *Manager) Release(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		m.logger.Warn("removing workspace", "path", path, "error", err)
		return
	}
	m.logger.Debug("workspace released", "path", path)
}

// Cached is an exclusive handle on a project's persistent workspace. The
// holder must call Unlock when done.
type Cached struct {
	Path string
	// Fresh is true when Path is empty and needs a clone rather than a reset.
	Fresh bool

	m      *Manager
	unlock func()
	once   sync.Once
}

// AcquireCached locks and returns the persistent workspace for projectID.
// Runs for the same project are serialized; different projects never share a
// directory. A directory left behind that is not a valid checkout is wiped.
func (m *Manager) AcquireCached(projectID string) (*Cached, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id must not be empty")
	}
	lock := m.projectLock(projectID)
	lock.Lock()

	path := CachePath(m.root, projectID)
	c := &Cached{Path: path, m: m, unlock: lock.Unlock}

	if gitops.IsCheckout(path) {
		return c, nil
	}
	if err := os.RemoveAll(path); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("clearing stale workspace %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		_ = os.RemoveAll(path)
		lock.Unlock()
		return nil, fmt.Errorf("creating workspace %s: %w", path, err)
	}
	c.Fresh = true
	return c, nil
}

// Discard removes the cached directory so no later run reuses it. Used when
// populating a fresh workspace failed part way.
func (c *Cached) Discard() {
	c.m.Release(c.Path)
}

// Unlock releases the per-project lock. Safe to call more than once.
func (c *Cached) Unlock() {
	c.once.Do(c.unlock)
}

// CachePath returns the persistent workspace path for projectID.
func CachePath(root, projectID string) string {
	sum := sha256.Sum256([]byte(projectID))
	return filepath.Join(root, "cache", hex.EncodeToString(sum[:])[:16])
}

func (m *Manager) projectLock(projectID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectID] = l
	}
	return l
}
