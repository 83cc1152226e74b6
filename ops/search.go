package ops

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// searchEntries walks the tree rooted at startPath and collects root-relative
// paths of entries whose names contain the pattern, case-insensitively.
// Exclude patterns are matched against the root-relative path with '/' as the
// separator; a matched directory is skipped whole.
func (s *Set) searchEntries(startPath, pattern string, excludePatterns []string) ([]string, *Error) {
	compiledPatterns, opErr := compileExcludes(excludePatterns)
	if opErr != nil {
		return nil, opErr
	}

	searchPattern := strings.ToLower(pattern)
	root := s.guard.Root()

	var results []string
	err := filepath.WalkDir(startPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries that vanish mid-walk are skipped, not fatal.
			return nil
		}
		if path == startPath {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		for _, compiled := range compiledPatterns {
			if compiled.Match(relPath) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if strings.Contains(strings.ToLower(d.Name()), searchPattern) {
			results = append(results, relPath)
		}

		return nil
	})
	if err != nil {
		return nil, ioError(startPath, err)
	}

	return results, nil
}

// compileExcludes compiles the exclude globs. A bare name without wildcards is
// widened to match the name anywhere in the tree.
func compileExcludes(excludePatterns []string) ([]glob.Glob, *Error) {
	var compiledPatterns []glob.Glob
	for _, pattern := range excludePatterns {
		widened := pattern
		if !strings.Contains(widened, "*") {
			widened = "**/" + widened + "/**"
		}
		compiled, err := glob.Compile(widened, '/')
		if err != nil {
			return nil, &Error{Kind: KindIO, Path: pattern, Err: err}
		}
		compiledPatterns = append(compiledPatterns, compiled)
	}
	return compiledPatterns, nil
}
