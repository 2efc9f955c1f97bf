package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uesteibar/opsdeck/internal/gitops"
	"github.com/uesteibar/opsdeck/internal/shell"
)

func TestValidateKey_ValidKeys(t *testing.T) {
	for _, key := range []string{"rollback-pr-42", "fix.issue_7", "A1"} {
		if err := ValidateKey(key); err != nil {
			t.Errorf("ValidateKey(%q) = %v, want nil", key, err)
		}
	}
}

func TestValidateKey_InvalidKeys(t *testing.T) {
	for _, key := range []string{"", "../escape", "a/b", "with space"} {
		if err := ValidateKey(key); err == nil {
			t.Errorf("ValidateKey(%q) = nil, want error", key)
		}
	}
}

// --- Acquire / Release ---

func TestAcquire_CreatesUniqueEmptyDirs(t *testing.T) {
	m := NewManager(t.TempDir(), nil)

	a, err := m.Acquire("rollback-pr-42")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := m.Acquire("rollback-pr-42")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct directories for repeated keys")
	}
	entries, err := os.ReadDir(a)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty workspace, got %d entries", len(entries))
	}
	if !strings.HasPrefix(filepath.Base(a), "rollback-pr-42-") {
		t.Errorf("dir = %q, want key prefix", a)
	}
}

func TestAcquire_InvalidKey_Error(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	if _, err := m.Acquire("../../etc"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestRelease_RemovesTree(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	dir, err := m.Acquire("run")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a", "b", "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	m.Release(dir)

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed", dir)
	}
}

func TestRelease_MissingPath_NoPanic(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	m.Release(filepath.Join(t.TempDir(), "never-created"))
	m.Release("")
}

// --- AcquireCached ---

func TestAcquireCached_FreshThenReusedCheckout(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, nil)

	c, err := m.AcquireCached("proj-1")
	if err != nil {
		t.Fatalf("AcquireCached: %v", err)
	}
	if !c.Fresh {
		t.Error("expected first acquire to be fresh")
	}
	if c.Path != CachePath(root, "proj-1") {
		t.Errorf("Path = %q, want %q", c.Path, CachePath(root, "proj-1"))
	}
	// Simulate a completed clone.
	if err := os.MkdirAll(filepath.Join(c.Path, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	c.Unlock()

	again, err := m.AcquireCached("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	defer again.Unlock()
	if again.Fresh {
		t.Error("expected existing checkout to be reused")
	}
}

func TestAcquireCached_PartialDirIsWiped(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, nil)
	path := CachePath(root, "proj-1")
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "half-written"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := m.AcquireCached("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Unlock()
	if !c.Fresh {
		t.Error("expected partial directory to be treated as fresh")
	}
	if _, err := os.Stat(filepath.Join(path, "half-written")); !os.IsNotExist(err) {
		t.Error("expected partial contents to be removed")
	}
}

func TestAcquireCached_DifferentProjectsDifferentDirs(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	a, err := m.AcquireCached("proj-a")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Unlock()
	b, err := m.AcquireCached("proj-b")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unlock()
	if a.Path == b.Path {
		t.Error("expected different projects to use different directories")
	}
}

func TestAcquireCached_SameProjectSerialized(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.AcquireCached("proj-1")
			if err != nil {
				t.Error(err)
				return
			}
			defer c.Unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestCached_UnlockTwice_NoPanic(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	c, err := m.AcquireCached("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	c.Unlock()
	c.Unlock()
}

// --- Sync ---

func initOrigin(t *testing.T) *shell.Runner {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	r := &shell.Runner{Dir: t.TempDir()}
	ctx := context.Background()
	for _, c := range [][]string{
		{"git", "init", "--quiet", "--initial-branch=main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	} {
		if _, err := r.Run(ctx, c[0], c[1:]...); err != nil {
			t.Fatalf("init origin %v: %v", c, err)
		}
	}
	if err := os.WriteFile(filepath.Join(r.Dir, "README.md"), []byte("v1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := gitops.Commit(ctx, r, "initial"); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSync_FreshClonesThenResets(t *testing.T) {
	origin := initOrigin(t)
	m := NewManager(t.TempDir(), nil)
	ctx := context.Background()

	c, err := m.AcquireCached("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	res, err := Sync(ctx, c, &shell.Runner{}, origin.Dir, origin.Dir, "main")
	c.Unlock()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Cloned {
		t.Error("expected fresh workspace to be cloned")
	}

	if err := os.WriteFile(filepath.Join(origin.Dir, "README.md"), []byte("v2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := gitops.Commit(ctx, origin, "v2"); err != nil {
		t.Fatal(err)
	}

	c, err = m.AcquireCached("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Unlock()
	res, err = Sync(ctx, c, &shell.Runner{}, origin.Dir, origin.Dir, "main")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Cloned || res.Stale {
		t.Errorf("result = %+v, want plain reset", res)
	}
	data, _ := os.ReadFile(filepath.Join(c.Path, "README.md"))
	if string(data) != "v2\n" {
		t.Errorf("README = %q, want v2", data)
	}
}

func TestSync_FetchFailure_DegradesToStale(t *testing.T) {
	origin := initOrigin(t)
	m := NewManager(t.TempDir(), nil)
	ctx := context.Background()

	c, err := m.AcquireCached("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Sync(ctx, c, &shell.Runner{}, origin.Dir, origin.Dir, "main"); err != nil {
		t.Fatal(err)
	}
	c.Unlock()

	c, err = m.AcquireCached("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Unlock()
	res, err := Sync(ctx, c, &shell.Runner{}, filepath.Join(t.TempDir(), "gone"), origin.Dir, "main")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.Stale || res.StaleReason == nil {
		t.Errorf("result = %+v, want stale with reason", res)
	}
	if _, err := os.Stat(filepath.Join(c.Path, "README.md")); err != nil {
		t.Error("expected previous checkout to be kept")
	}
}

func TestSync_FreshCloneFailure_DiscardsDir(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	m := NewManager(t.TempDir(), nil)
	c, err := m.AcquireCached("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Unlock()

	_, err = Sync(context.Background(), c, &shell.Runner{}, filepath.Join(t.TempDir(), "missing"), "https://github.com/acme/api", "main")
	if err == nil {
		t.Fatal("expected clone error")
	}
	if _, statErr := os.Stat(c.Path); !os.IsNotExist(statErr) {
		t.Error("expected failed clone directory to be removed")
	}
}

func TestSync_CredentialedURLNeverStored(t *testing.T) {
	origin := initOrigin(t)
	m := NewManager(t.TempDir(), nil)
	ctx := context.Background()
	const public = "https://github.com/acme/api"

	assertOrigin := func(t *testing.T, dir string) {
		t.Helper()
		got, err := (&shell.Runner{Dir: dir}).Run(ctx, "git", "remote", "get-url", "origin")
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(got) != public {
			t.Errorf("origin = %q, want %q", strings.TrimSpace(got), public)
		}
		config, err := os.ReadFile(filepath.Join(dir, ".git", "config"))
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(string(config), origin.Dir) {
			t.Errorf("fetch URL persisted in .git/config:\n%s", config)
		}
	}

	c, err := m.AcquireCached("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Sync(ctx, c, &shell.Runner{}, origin.Dir, public, "main"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	assertOrigin(t, c.Path)
	c.Unlock()

	if err := os.WriteFile(filepath.Join(origin.Dir, "README.md"), []byte("v2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := gitops.Commit(ctx, origin, "v2"); err != nil {
		t.Fatal(err)
	}

	c, err = m.AcquireCached("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Unlock()
	res, err := Sync(ctx, c, &shell.Runner{}, origin.Dir, public, "main")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Stale {
		t.Fatalf("result = %+v, want refreshed", res)
	}
	data, _ := os.ReadFile(filepath.Join(c.Path, "README.md"))
	if string(data) != "v2\n" {
		t.Errorf("README = %q, want v2", data)
	}
	assertOrigin(t, c.Path)
}
