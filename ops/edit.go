package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/MegaGrindStone/fsgate"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Edit applies each replacement in order and returns a git-style diff of the
// result. With dryRun the file is left untouched.
func (s *Set) Edit(_ context.Context, args json.RawMessage) (fsgate.OperationResult, error) {
	var eArgs EditArgs
	if err := json.Unmarshal(args, &eArgs); err != nil {
		return fsgate.OperationResult{}, fmt.Errorf("failed to unmarshal edit arguments: %w", err)
	}

	fullPath, err := s.guard.Resolve(eArgs.Path)
	if err != nil {
		return fsgate.OperationResult{}, containmentError(err)
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return fsgate.OperationResult{}, statError(eArgs.Path, err)
	}

	modifiedContent, opErr := applyEdits(string(content), eArgs.Edits)
	if opErr != nil {
		opErr.Path = eArgs.Path
		return fsgate.OperationResult{}, opErr
	}

	diff := createUnifiedDiff(string(content), modifiedContent, eArgs.Path)

	if !eArgs.DryRun {
		if err := os.WriteFile(fullPath, []byte(modifiedContent), 0600); err != nil {
			return fsgate.OperationResult{}, ioError(eArgs.Path, err)
		}
	}

	return textResult(formatDiffOutput(diff)), nil
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func createUnifiedDiff(originalContent, newContent, path string) string {
	dmp := diffmatchpatch.New()

	normalizedOriginal := normalizeLineEndings(originalContent)
	normalizedNew := normalizeLineEndings(newContent)

	diffs := dmp.DiffMain(normalizedOriginal, normalizedNew, true)
	patches := dmp.PatchMake(diffs)

	var diff strings.Builder
	diff.WriteString(fmt.Sprintf("--- %s (original)\n", path))
	diff.WriteString(fmt.Sprintf("+++ %s (modified)\n", path))

	for _, patch := range patches {
		diff.WriteString(dmp.PatchToText([]diffmatchpatch.Patch{patch}))
	}

	return diff.String()
}

func applyEdits(content string, edits []Edit) (string, *Error) {
	modifiedContent := normalizeLineEndings(content)

	for _, edit := range edits {
		normalizedOld := normalizeLineEndings(edit.OldText)
		normalizedNew := normalizeLineEndings(edit.NewText)

		// Exact match first, then whitespace-insensitive line matching.
		if strings.Contains(modifiedContent, normalizedOld) {
			modifiedContent = strings.Replace(modifiedContent, normalizedOld, normalizedNew, 1)
			continue
		}

		newContent, found := tryLineByLineMatch(modifiedContent, normalizedOld, normalizedNew)
		if !found {
			return "", &Error{Kind: KindNotFound,
				Err: fmt.Errorf("could not find exact match for edit:\n%s", edit.OldText)}
		}
		modifiedContent = newContent
	}

	return modifiedContent, nil
}

func tryLineByLineMatch(content, oldText, newText string) (string, bool) {
	oldLines := strings.Split(oldText, "\n")
	contentLines := strings.Split(content, "\n")

	for i := 0; i <= len(contentLines)-len(oldLines); i++ {
		potentialMatch := contentLines[i : i+len(oldLines)]
		if isMatchingBlock(potentialMatch, oldLines) {
			return replaceMatchingBlock(contentLines, i, len(oldLines), oldLines, newText), true
		}
	}

	return content, false
}

func isMatchingBlock(contentBlock, oldLines []string) bool {
	for j, oldLine := range oldLines {
		if strings.TrimSpace(oldLine) != strings.TrimSpace(contentBlock[j]) {
			return false
		}
	}
	return true
}

func replaceMatchingBlock(
	contentLines []string,
	startIdx, blockLen int,
	oldLines []string,
	newText string,
) string {
	originalIndent := getLeadingWhitespace(contentLines[startIdx])
	newLines := processNewLines(originalIndent, oldLines, strings.Split(newText, "\n"))

	result := make([]string, 0, len(contentLines)-blockLen+len(newLines))
	result = append(result, contentLines[:startIdx]...)
	result = append(result, newLines...)
	result = append(result, contentLines[startIdx+blockLen:]...)

	return strings.Join(result, "\n")
}

func processNewLines(originalIndent string, oldLines []string, newLines []string) []string {
	result := make([]string, 0, len(newLines))

	for j, line := range newLines {
		if j == 0 {
			result = append(result, originalIndent+strings.TrimLeft(line, " \t"))
			continue
		}

		if strings.TrimSpace(line) == "" {
			result = append(result, originalIndent)
			continue
		}

		oldIndent := ""
		if j < len(oldLines) {
			oldIndent = getLeadingWhitespace(oldLines[j])
		}
		newIndent := getLeadingWhitespace(line)
		relativeIndent := len(newIndent) - len(oldIndent)

		indentAmount := math.Max(0, float64(relativeIndent))
		result = append(result, originalIndent+strings.Repeat(" ", int(indentAmount))+strings.TrimLeft(line, " \t"))
	}

	return result
}

func formatDiffOutput(diff string) string {
	numBackticks := 3
	for strings.Contains(diff, strings.Repeat("`", numBackticks)) {
		numBackticks++
	}
	return fmt.Sprintf("%s\ndiff\n%s%s\n\n",
		strings.Repeat("`", numBackticks),
		diff,
		strings.Repeat("`", numBackticks))
}

func getLeadingWhitespace(s string) string {
	return strings.TrimRight(s[:len(s)-len(strings.TrimLeft(s, " \t"))], "\n\r")
}
