// Package guard confines client-supplied paths to a single root directory.
//
// The containment check is pure path algebra: candidates are normalized with
// the path package's lexical rules and never resolved against the live
// filesystem, so a path may be validated before the target exists. A path is
// accepted only when its normalized form is the root itself or sits strictly
// below the root with a separator on the boundary, which keeps string-prefix
// lookalikes (such as "/dataEvil" next to a root of "/data") out.
package guard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guard validates requested paths against a fixed root directory. The root is
// normalized once at construction and never changes afterwards.
type Guard struct {
	root string
}

// ContainmentError reports a requested path whose normalized form falls
// outside the guarded root. It carries both the normalized candidate and the
// root so callers can surface a precise diagnostic; nothing beyond the two
// path strings is exposed.
type ContainmentError struct {
	// Path is the normalized absolute form of the rejected input.
	Path string
	// Root is the directory the guard confines paths to.
	Root string
}

func (e *ContainmentError) Error() string {
	return fmt.Sprintf("access denied - path %s outside root %s", e.Path, e.Root)
}

// New creates a Guard rooted at the given directory. The root must be an
// absolute path to an existing directory.
func New(root string) (Guard, error) {
	if !filepath.IsAbs(root) {
		return Guard{}, fmt.Errorf("root must be an absolute path, got %s", root)
	}

	cleaned := filepath.Clean(root)

	info, err := os.Stat(cleaned)
	if err != nil {
		return Guard{}, fmt.Errorf("failed to stat root directory: %w", err)
	}
	if !info.IsDir() {
		return Guard{}, fmt.Errorf("root is not a directory: %s", cleaned)
	}

	return Guard{root: cleaned}, nil
}

// Root returns the normalized root directory.
func (g Guard) Root() string {
	return g.root
}

// Resolve maps a requested path to its contained absolute form.
//
// An empty or "." input resolves to the root. Absolute inputs are taken
// verbatim as candidates; relative inputs are joined to the root. The
// candidate is then normalized lexically and accepted only if it equals the
// root or is a descendant of it. Any other outcome, including ".." sequences
// that escape the root and absolute paths on another volume, returns a
// *ContainmentError.
func (g Guard) Resolve(requested string) (string, error) {
	trimmed := strings.TrimSpace(requested)
	if trimmed == "" || trimmed == "." {
		return g.root, nil
	}

	// Accept forward slashes regardless of platform before normalizing.
	candidate := filepath.FromSlash(trimmed)
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(g.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	if !g.contains(candidate) {
		return "", &ContainmentError{Path: candidate, Root: g.root}
	}

	return candidate, nil
}

// contains reports whether the normalized candidate is the root or a strict
// descendant of it. The separator on the prefix boundary is what rejects
// sibling directories sharing the root's string prefix.
func (g Guard) contains(candidate string) bool {
	if candidate == g.root {
		return true
	}
	return strings.HasPrefix(candidate, g.root+string(filepath.Separator))
}
