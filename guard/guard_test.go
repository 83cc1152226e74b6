package guard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	g, err := New(tempDir)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if g.Root() != filepath.Clean(tempDir) {
		t.Errorf("Expected root %s, got %s", filepath.Clean(tempDir), g.Root())
	}

	// Relative roots are refused.
	if _, err := New("relative/path"); err == nil {
		t.Error("Expected error for relative root, got none")
	}

	// Missing roots are refused.
	if _, err := New(filepath.Join(tempDir, "missing")); err == nil {
		t.Error("Expected error for missing root, got none")
	}

	// File roots are refused.
	filePath := filepath.Join(tempDir, "file.txt")
	if err := os.WriteFile(filePath, []byte("x"), 0600); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	if _, err := New(filePath); err == nil {
		t.Error("Expected error for file root, got none")
	}
}

func TestResolveContained(t *testing.T) {
	root := t.TempDir()
	g, err := New(root)
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}
	root = g.Root()

	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"empty means root", "", root},
		{"dot means root", ".", root},
		{"whitespace around root marker", "  .  ", root},
		{"relative child", "sub/file.txt", filepath.Join(root, "sub", "file.txt")},
		{"relative child that does not exist", "no/such/dir", filepath.Join(root, "no", "such", "dir")},
		{"absolute child", filepath.Join(root, "file.txt"), filepath.Join(root, "file.txt")},
		{"trailing separator", "sub/", filepath.Join(root, "sub")},
		{"duplicate separators", "sub//dir", filepath.Join(root, "sub", "dir")},
		{"dot segments collapse", "sub/./dir/../other", filepath.Join(root, "sub", "other")},
		{"exit and re-enter", "../" + filepath.Base(root) + "/sub", filepath.Join(root, "sub")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Resolve(tt.requested)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestResolveRejected(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "base")
	if err := os.Mkdir(root, 0700); err != nil {
		t.Fatalf("Failed to create root: %v", err)
	}

	g, err := New(root)
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}

	tests := []struct {
		name      string
		requested string
	}{
		{"parent traversal", "../etc/passwd"},
		{"deep traversal", "sub/../../other"},
		{"absolute outside root", "/etc/passwd"},
		{"ancestor of root", ".."},
		{"sibling sharing prefix", filepath.Join(parent, "baseEvil", "x")},
		{"relative sibling sharing prefix", "../baseEvil/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Resolve(tt.requested)
			if err == nil {
				t.Fatal("Expected containment error, got none")
			}

			var cErr *ContainmentError
			if !errors.As(err, &cErr) {
				t.Fatalf("Expected *ContainmentError, got %T", err)
			}
			if cErr.Root != g.Root() {
				t.Errorf("Expected root %s in error, got %s", g.Root(), cErr.Root)
			}
			if cErr.Path == "" {
				t.Error("Expected offending path in error, got empty string")
			}
			if !strings.Contains(cErr.Error(), g.Root()) {
				t.Errorf("Expected error message to name the root, got %q", cErr.Error())
			}
		})
	}
}

func TestResolveIdempotent(t *testing.T) {
	root := t.TempDir()
	g, err := New(root)
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}

	resolved, err := g.Resolve("sub/dir/file.txt")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// Resolving the root-relative form of an already resolved path must
	// yield the same absolute path.
	rel, err := filepath.Rel(g.Root(), resolved)
	if err != nil {
		t.Fatalf("Failed to relativize path: %v", err)
	}
	again, err := g.Resolve(rel)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if again != resolved {
		t.Errorf("Expected %s, got %s", resolved, again)
	}

	// The resolved absolute path itself also round-trips.
	again, err = g.Resolve(resolved)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if again != resolved {
		t.Errorf("Expected %s, got %s", resolved, again)
	}
}
