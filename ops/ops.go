// Package ops implements the filesystem operations served over a session. All
// paths coming in from callers are resolved through the guard package before
// any filesystem access, and every failure is reported as a typed *Error.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MegaGrindStone/fsgate"
	"github.com/MegaGrindStone/fsgate/guard"
)

// DefaultReadLimit is the byte cap applied to read results when the caller
// does not set one.
const DefaultReadLimit = 1 << 20

// Set holds the operation handlers for a single served root. A Set carries no
// per-call state and is safe for concurrent use; concurrent mutations of the
// same path race at the filesystem level, same as local processes would.
type Set struct {
	guard  guard.Guard
	logger *slog.Logger
}

// SetOption represents the options for the operation set.
type SetOption func(*Set)

// WithSetLogger sets the logger for the operation set.
func WithSetLogger(logger *slog.Logger) SetOption {
	return func(s *Set) {
		s.logger = logger.With(
			slog.String("package", "ops"),
		)
	}
}

// NewSet creates an operation set rooted at the given directory. The root must
// be an absolute path to an existing directory.
func NewSet(root string, options ...SetOption) (*Set, error) {
	g, err := guard.New(root)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard: %w", err)
	}

	s := &Set{
		guard:  g,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute root directory the set serves.
func (s *Set) Root() string {
	return s.guard.Root()
}

// Operations returns the full operation catalog, ready to be registered on a
// server.
func (s *Set) Operations() []fsgate.Operation {
	return []fsgate.Operation{
		{
			Name: "list",
			Description: `
List the entries of a directory. Results distinguish files and
directories with [FILE] and [DIR] prefixes. An empty path lists the
served root. Only works within the served root.
        `,
			InputSchema: schemaFor[ListArgs](),
			Handler:     s.List,
		},
		{
			Name: "read",
			Description: `
Read the contents of a file as text. The returned content is capped at
1 MiB unless a smaller maxBytes is given; a truncated read says so.
Only works within the served root.
        `,
			InputSchema: schemaFor[ReadArgs](),
			Handler:     s.Read,
		},
		{
			Name: "write",
			Description: `
Create a new file or completely overwrite an existing file with new
content. Use with caution as it will overwrite existing files without
warning. Only works within the served root.
        `,
			InputSchema: schemaFor[WriteArgs](),
			Handler:     s.Write,
		},
		{
			Name: "append",
			Description: `
Append content to the end of a file, creating the file if it does not
exist. Only works within the served root.
        `,
			InputSchema: schemaFor[AppendArgs](),
			Handler:     s.Append,
		},
		{
			Name: "mkdir",
			Description: `
Create a new directory or ensure a directory exists. Can create
multiple nested directories in one operation. If the directory already
exists, this operation will succeed silently. Only works within the
served root.
        `,
			InputSchema: schemaFor[MkdirArgs](),
			Handler:     s.Mkdir,
		},
		{
			Name: "rename",
			Description: `
Move or rename a file or directory. Can move between directories and
rename in a single operation. Both paths must be within the served
root.
        `,
			InputSchema: schemaFor[RenameArgs](),
			Handler:     s.Rename,
		},
		{
			Name: "delete",
			Description: `
Remove a file or directory. Directories are removed recursively.
Deleting the served root itself is refused. Only works within the
served root.
        `,
			InputSchema: schemaFor[DeleteArgs](),
			Handler:     s.Delete,
		},
		{
			Name: "copy",
			Description: `
Copy a single file to a new path, overwriting the destination if it
exists. Directories cannot be copied. Both paths must be within the
served root.
        `,
			InputSchema: schemaFor[CopyArgs](),
			Handler:     s.Copy,
		},
		{
			Name: "stat",
			Description: `
Retrieve metadata about a file or directory: type, size, permissions
and last modification time, without reading the content. Only works
within the served root.
        `,
			InputSchema: schemaFor[StatArgs](),
			Handler:     s.Stat,
		},
		{
			Name: "search",
			Description: `
Recursively search for files and directories whose names contain a
pattern. The match is case-insensitive and partial. Glob exclude
patterns skip matching subtrees. Returns root-relative paths. Only
searches within the served root.
        `,
			InputSchema: schemaFor[SearchArgs](),
			Handler:     s.Search,
		},
		{
			Name: "edit",
			Description: `
Make text edits to a file. Each edit replaces an exact text sequence
with new content, falling back to whitespace-insensitive line matching.
Returns a git-style diff showing the changes made. With dryRun the diff
is returned without writing. Only works within the served root.
        `,
			InputSchema: schemaFor[EditArgs](),
			Handler:     s.Edit,
		},
	}
}

// List returns the entries of a directory, one content item per entry.
func (s *Set) List(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var lArgs ListArgs
	if err := json.Unmarshal(args, &lArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal list arguments: %w", err)
	}

	fullPath, err := s.guard.Resolve(lArgs.Path)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return fsgate.OperationResult{}, statError(lArgs.Path, err)
	}
	if !info.IsDir() {
		return fsgate.OperationResult{}, &Error{Kind: KindWrongType, Path: lArgs.Path,
			Err: errors.New("not a directory")}
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return fsgate.OperationResult{}, ioError(lArgs.Path, err)
	}

	result := make([]fsgate.Content, 0, len(entries))
	for _, entry := range entries {
		prefix := "[FILE] "
		if entry.IsDir() {
			prefix = "[DIR] "
		}
		result = append(result, fsgate.Content{
			Type: fsgate.ContentTypeText,
			Text: prefix + entry.Name(),
		})
	}

	return fsgate.OperationResult{Content: result}, nil
}

// Read returns the contents of a file, capped at the requested byte limit.
func (s *Set) Read(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var rArgs ReadArgs
	if err := json.Unmarshal(args, &rArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal read arguments: %w", err)
	}

	fullPath, err := s.guard.Resolve(rArgs.Path)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return fsgate.OperationResult{}, statError(rArgs.Path, err)
	}
	if info.IsDir() {
		return fsgate.OperationResult{}, &Error{Kind: KindWrongType, Path: rArgs.Path,
			Err: errors.New("is a directory, not a file")}
	}

	limit := rArgs.MaxBytes
	if limit <= 0 || limit > DefaultReadLimit {
		limit = DefaultReadLimit
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return fsgate.OperationResult{}, ioError(rArgs.Path, err)
	}
	defer f.Close()

	bs, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return fsgate.OperationResult{}, ioError(rArgs.Path, err)
	}

	result := fsgate.OperationResult{
		Content: []fsgate.Content{
			{
				Type: fsgate.ContentTypeText,
				Text: string(bs),
			},
		},
	}
	if info.Size() > limit {
		result.Content = append(result.Content, fsgate.Content{
			Type: fsgate.ContentTypeText,
			Text: fmt.Sprintf("[truncated: showing first %d of %d bytes]", limit, info.Size()),
		})
	}
	return result, nil
}

// Write creates or overwrites a file with the given content.
func (s *Set) Write(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var wArgs WriteArgs
	if err := json.Unmarshal(args, &wArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal write arguments: %w", err)
	}

	fullPath, err := s.guard.Resolve(wArgs.Path)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	if opErr := ensureParent(wArgs.Path, fullPath); opErr != nil {
		return fsgate.OperationResult{}, opErr
	}
	if err := os.WriteFile(fullPath, []byte(wArgs.Content), 0600); err != nil {
		return fsgate.OperationResult{}, ioError(wArgs.Path, err)
	}

	return textResult(fmt.Sprintf("Wrote %d bytes to %s", len(wArgs.Content), wArgs.Path)), nil
}

// Append adds content to the end of a file, creating it if absent.
func (s *Set) Append(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var aArgs AppendArgs
	if err := json.Unmarshal(args, &aArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal append arguments: %w", err)
	}

	fullPath, err := s.guard.Resolve(aArgs.Path)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	if info, err := os.Stat(fullPath); err == nil && info.IsDir() {
		return fsgate.OperationResult{}, &Error{Kind: KindWrongType, Path: aArgs.Path,
			Err: errors.New("is a directory, not a file")}
	}

	if opErr := ensureParent(aArgs.Path, fullPath); opErr != nil {
		return fsgate.OperationResult{}, opErr
	}
	f, err := os.OpenFile(fullPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fsgate.OperationResult{}, ioError(aArgs.Path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(aArgs.Content); err != nil {
		return fsgate.OperationResult{}, ioError(aArgs.Path, err)
	}

	return textResult(fmt.Sprintf("Appended %d bytes to %s", len(aArgs.Content), aArgs.Path)), nil
}

// Mkdir creates a directory along with any missing ancestors.
func (s *Set) Mkdir(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var mArgs MkdirArgs
	if err := json.Unmarshal(args, &mArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal mkdir arguments: %w", err)
	}

	fullPath, err := s.guard.Resolve(mArgs.Path)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	if err := os.MkdirAll(fullPath, 0700); err != nil {
		return fsgate.OperationResult{}, ioError(mArgs.Path, err)
	}

	return textResult(fmt.Sprintf("Directory %s created successfully", mArgs.Path)), nil
}

// Rename moves a file or directory to a new path.
func (s *Set) Rename(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var rArgs RenameArgs
	if err := json.Unmarshal(args, &rArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal rename arguments: %w", err)
	}

	fullOldPath, err := s.guard.Resolve(rArgs.OldPath)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}
	fullNewPath, err := s.guard.Resolve(rArgs.NewPath)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	if _, err := os.Stat(fullOldPath); err != nil {
		return fsgate.OperationResult{}, statError(rArgs.OldPath, err)
	}

	if opErr := ensureParent(rArgs.NewPath, fullNewPath); opErr != nil {
		return fsgate.OperationResult{}, opErr
	}
	if err := os.Rename(fullOldPath, fullNewPath); err != nil {
		return fsgate.OperationResult{}, ioError(rArgs.OldPath, err)
	}

	return textResult(fmt.Sprintf("Renamed %s to %s", rArgs.OldPath, rArgs.NewPath)), nil
}

// Delete removes a file or directory recursively. The served root itself can
// never be deleted.
func (s *Set) Delete(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var dArgs DeleteArgs
	if err := json.Unmarshal(args, &dArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal delete arguments: %w", err)
	}

	fullPath, err := s.guard.Resolve(dArgs.Path)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	if fullPath == s.guard.Root() {
		return fsgate.OperationResult{}, &Error{Kind: KindForbidden, Path: dArgs.Path,
			Err: errors.New("refusing to delete the served root")}
	}

	if _, err := os.Stat(fullPath); err != nil {
		return fsgate.OperationResult{}, statError(dArgs.Path, err)
	}

	if err := os.RemoveAll(fullPath); err != nil {
		return fsgate.OperationResult{}, ioError(dArgs.Path, err)
	}

	return textResult(fmt.Sprintf("Deleted %s", dArgs.Path)), nil
}

// Copy duplicates a single file. Directories are refused.
func (s *Set) Copy(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var cArgs CopyArgs
	if err := json.Unmarshal(args, &cArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal copy arguments: %w", err)
	}

	fullSrcPath, err := s.guard.Resolve(cArgs.SrcPath)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}
	fullDestPath, err := s.guard.Resolve(cArgs.DestPath)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	info, err := os.Stat(fullSrcPath)
	if err != nil {
		return fsgate.OperationResult{}, statError(cArgs.SrcPath, err)
	}
	if info.IsDir() {
		return fsgate.OperationResult{}, &Error{Kind: KindWrongType, Path: cArgs.SrcPath,
			Err: errors.New("is a directory; only files can be copied")}
	}

	src, err := os.Open(fullSrcPath)
	if err != nil {
		return fsgate.OperationResult{}, ioError(cArgs.SrcPath, err)
	}
	defer src.Close()

	if opErr := ensureParent(cArgs.DestPath, fullDestPath); opErr != nil {
		return fsgate.OperationResult{}, opErr
	}
	dest, err := os.OpenFile(fullDestPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fsgate.OperationResult{}, ioError(cArgs.DestPath, err)
	}

	n, err := io.Copy(dest, src)
	if err != nil {
		dest.Close()
		return fsgate.OperationResult{}, ioError(cArgs.DestPath, err)
	}
	if err := dest.Close(); err != nil {
		return fsgate.OperationResult{}, ioError(cArgs.DestPath, err)
	}

	return textResult(fmt.Sprintf("Copied %d bytes from %s to %s", n, cArgs.SrcPath, cArgs.DestPath)), nil
}

// Stat returns metadata about a file or directory.
func (s *Set) Stat(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var sArgs StatArgs
	if err := json.Unmarshal(args, &sArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal stat arguments: %w", err)
	}

	fullPath, err := s.guard.Resolve(sArgs.Path)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return fsgate.OperationResult{}, statError(sArgs.Path, err)
	}

	entryType := "file"
	if info.IsDir() {
		entryType = "directory"
	}

	return textResult(fmt.Sprintf("%s info:\nType: %s\nSize: %d\nPermissions: %s\nLast modified: %s\n",
		sArgs.Path, entryType, info.Size(), info.Mode().Perm(), info.ModTime())), nil
}

// Search walks the tree under the given directory and returns the
// root-relative paths of entries whose names contain the pattern.
func (s *Set) Search(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var sArgs SearchArgs
	if err := json.Unmarshal(args, &sArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal search arguments: %w", err)
	}

	fullPath, err := s.guard.Resolve(sArgs.Path)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	matches, opErr := s.searchEntries(fullPath, sArgs.Pattern, sArgs.Exclude)
	if opErr != nil {
		return fsgate.OperationResult{}, opErr
	}

	if len(matches) == 0 {
		return textResult("No matches found"), nil
	}

	sort.Strings(matches)
	return textResult(strings.Join(matches, "\n")), nil
}

// ensureParent creates the missing ancestors of a resolved target. The guard
// already confined the target, so every created ancestor stays inside the
// root.
func ensureParent(requested, fullPath string) *Error {
	if err := os.MkdirAll(filepath.Dir(fullPath), 0700); err != nil {
		return ioError(requested, err)
	}
	return nil
}

func textResult(text string) fsgate.OperationResult {
	return fsgate.OperationResult{
		Content: []fsgate.Content{
			{
				Type: fsgate.ContentTypeText,
				Text: text,
			},
		},
	}
}
