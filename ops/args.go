package ops

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ListArgs is the argument struct for the list operation.
type ListArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list; empty means the root"`
}

// ReadArgs is the argument struct for the read operation.
type ReadArgs struct {
	Path     string `json:"path" jsonschema:"description=File to read"`
	MaxBytes int64  `json:"maxBytes,omitempty" jsonschema:"description=Byte cap on the returned content; defaults to 1 MiB"`
}

// WriteArgs is the argument struct for the write operation.
type WriteArgs struct {
	Path    string `json:"path" jsonschema:"description=File to create or overwrite"`
	Content string `json:"content" jsonschema:"description=Full content to write"`
}

// AppendArgs is the argument struct for the append operation.
type AppendArgs struct {
	Path    string `json:"path" jsonschema:"description=File to append to; created if absent"`
	Content string `json:"content" jsonschema:"description=Content to append"`
}

// MkdirArgs is the argument struct for the mkdir operation.
type MkdirArgs struct {
	Path string `json:"path" jsonschema:"description=Directory to create along with missing ancestors"`
}

// RenameArgs is the argument struct for the rename operation.
type RenameArgs struct {
	OldPath string `json:"oldPath" jsonschema:"description=Existing file or directory"`
	NewPath string `json:"newPath" jsonschema:"description=Destination path"`
}

// DeleteArgs is the argument struct for the delete operation.
type DeleteArgs struct {
	Path string `json:"path" jsonschema:"description=File or directory to remove recursively"`
}

// CopyArgs is the argument struct for the copy operation.
type CopyArgs struct {
	SrcPath  string `json:"srcPath" jsonschema:"description=File to copy"`
	DestPath string `json:"destPath" jsonschema:"description=Destination path"`
}

// StatArgs is the argument struct for the stat operation.
type StatArgs struct {
	Path string `json:"path" jsonschema:"description=File or directory to inspect"`
}

// SearchArgs is the argument struct for the search operation.
type SearchArgs struct {
	Path    string   `json:"path,omitempty" jsonschema:"description=Directory to search from; empty means the root"`
	Pattern string   `json:"pattern" jsonschema:"description=Case-insensitive substring matched against entry names"`
	Exclude []string `json:"excludePatterns,omitempty" jsonschema:"description=Glob patterns for paths to skip"`
}

// EditArgs is the argument struct for the edit operation.
type EditArgs struct {
	Path   string `json:"path" jsonschema:"description=File to edit"`
	Edits  []Edit `json:"edits" jsonschema:"description=Replacements applied in order"`
	DryRun bool   `json:"dryRun,omitempty" jsonschema:"description=Preview the diff without writing"`
}

// Edit is a single text replacement within an edit operation.
type Edit struct {
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

// schemaFor reflects an argument struct into its JSON schema. Definitions are
// inlined and the struct is expanded at the root so the result is a plain
// object schema.
func schemaFor[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(T))

	bs, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal schema: %v", err))
	}
	return bs
}
