package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nugget/warden/internal/schema"
	"github.com/nugget/warden/internal/secrets"
)

// maxReadBytes caps read_file output.
const maxReadBytes = 50 * 1024

// absoluteRoots are first path segments that only make sense as the
// top of an absolute path. A relative path starting with one almost
// always lost its leading slash.
var absoluteRoots = []string{
	"Users", "home", "root", "tmp", "var", "etc", "opt", "private", "Volumes", "usr", "mnt",
}

// FileToolsConfig configures the workspace file tools.
type FileToolsConfig struct {
	// Workspace is the directory relative paths resolve against.
	Workspace string
	// Restrict rejects any path that resolves outside Workspace.
	Restrict bool
	// KnownSecrets and Mask are applied to read_file output.
	KnownSecrets []string
	Mask         string
}

// FileTools provides file read/write/edit/list capabilities.
type FileTools struct {
	cfg FileToolsConfig
}

// NewFileTools creates the file tool set.
func NewFileTools(cfg FileToolsConfig) *FileTools {
	return &FileTools{cfg: cfg}
}

// Tools returns read_file, write_file, edit_file and list_dir.
func (ft *FileTools) Tools() []Tool {
	return []Tool{
		NewFunc("read_file",
			"Read a text file. Relative paths resolve against the workspace. Use offset/limit (1-based lines) for large files.",
			schema.Object(
				schema.Prop("path", schema.String("File path")),
				schema.Prop("offset", schema.Integer("First line to return (1-based)").Min(1)),
				schema.Prop("limit", schema.Integer("Maximum number of lines").Min(1)),
			).Require("path"),
			ft.handleRead),
		NewFunc("write_file",
			"Write content to a file, creating parent directories as needed. Replaces any existing content.",
			schema.Object(
				schema.Prop("path", schema.String("File path")),
				schema.Prop("content", schema.String("Full file content")),
			).Require("path", "content"),
			ft.handleWrite),
		NewFunc("edit_file",
			"Replace one exact, unique occurrence of old_text with new_text in a file.",
			schema.Object(
				schema.Prop("path", schema.String("File path")),
				schema.Prop("old_text", schema.String("Text to find; must occur exactly once").MinLen(1)),
				schema.Prop("new_text", schema.String("Replacement text")),
			).Require("path", "old_text", "new_text"),
			ft.handleEdit),
		NewFunc("list_dir",
			"List the entries of a directory. Directories are suffixed with '/'.",
			schema.Object(
				schema.Prop("path", schema.String("Directory path")),
			).Require("path"),
			ft.handleList),
	}
}

// resolvePath turns a tool-supplied path into a cleaned absolute path.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if path != strings.TrimSpace(path) {
		return "", fmt.Errorf("path %q has leading or trailing whitespace", path)
	}
	if path == "" {
		return "", errors.New("path is empty")
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	if !filepath.IsAbs(path) {
		first, _, _ := strings.Cut(filepath.ToSlash(path), "/")
		if slices.Contains(absoluteRoots, first) {
			return "", fmt.Errorf("path %q looks absolute but is missing leading '/'", path)
		}
		if ft.cfg.Workspace == "" {
			return "", errors.New("workspace not configured")
		}
		path = filepath.Join(ft.cfg.Workspace, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	if ft.cfg.Restrict {
		ws, err := filepath.Abs(ft.cfg.Workspace)
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		rel, err := filepath.Rel(ws, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q is outside the workspace", path)
		}
	}
	return abs, nil
}

func toolError(err error) (string, error) {
	return "Error: " + err.Error(), nil
}

func (ft *FileTools) handleRead(_ context.Context, args map[string]any) (string, error) {
	path := stringArg(args, "path")
	abs, err := ft.resolvePath(path)
	if err != nil {
		return toolError(err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return toolError(fmt.Errorf("file not found: %s", path))
		}
		return toolError(fmt.Errorf("failed to read file: %w", err))
	}

	content := string(data)
	offset := intArg(args, "offset", 0)
	limit := intArg(args, "limit", 0)
	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		startLine := 0
		if offset > 0 {
			startLine = offset - 1
		}
		if startLine >= len(lines) {
			return toolError(fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines)))
		}
		endLine := len(lines)
		if limit > 0 && startLine+limit < endLine {
			endLine = startLine + limit
		}
		content = strings.Join(lines[startLine:endLine], "\n")
		if startLine > 0 || endLine < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", startLine+1, endLine, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}

	return secrets.Redact(content, ft.cfg.KnownSecrets, ft.cfg.Mask), nil
}

func (ft *FileTools) handleWrite(_ context.Context, args map[string]any) (string, error) {
	path := stringArg(args, "path")
	content := stringArg(args, "content")
	abs, err := ft.resolvePath(path)
	if err != nil {
		return toolError(err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return toolError(fmt.Errorf("failed to create directory: %w", err))
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return toolError(fmt.Errorf("failed to write file: %w", err))
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

func (ft *FileTools) handleEdit(_ context.Context, args map[string]any) (string, error) {
	path := stringArg(args, "path")
	oldText := stringArg(args, "old_text")
	newText := stringArg(args, "new_text")
	abs, err := ft.resolvePath(path)
	if err != nil {
		return toolError(err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return toolError(fmt.Errorf("file not found: %s", path))
		}
		return toolError(fmt.Errorf("failed to read file: %w", err))
	}
	content := string(data)

	switch n := strings.Count(content, oldText); {
	case n == 0:
		if len(oldText) > 100 {
			return toolError(fmt.Errorf("old_text not found in file (first 100 chars: %q...)", oldText[:100]))
		}
		return toolError(fmt.Errorf("old_text not found in file: %q", oldText))
	case n > 1:
		return toolError(fmt.Errorf("old_text appears %d times in file; must be unique for safe editing", n))
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return toolError(fmt.Errorf("failed to write file: %w", err))
	}
	return fmt.Sprintf("Successfully edited %s", path), nil
}

func (ft *FileTools) handleList(_ context.Context, args map[string]any) (string, error) {
	path := stringArg(args, "path")
	abs, err := ft.resolvePath(path)
	if err != nil {
		return toolError(err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return toolError(fmt.Errorf("directory not found: %s", path))
		}
		return toolError(fmt.Errorf("failed to read directory: %w", err))
	}
	if len(entries) == 0 {
		return fmt.Sprintf("Directory %s is empty", path), nil
	}

	var sb strings.Builder
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
