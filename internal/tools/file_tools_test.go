package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newFileRegistry(t *testing.T, cfg FileToolsConfig) *Registry {
	t.Helper()
	ft := NewFileTools(cfg)
	return newTestRegistry(t, ft.Tools()...)
}

func TestFileTools_ResolvePath(t *testing.T) {
	workspace := t.TempDir()
	ft := NewFileTools(FileToolsConfig{Workspace: workspace, Restrict: true})

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"relative path", "test.txt", ""},
		{"nested path", "dir/subdir/file.txt", ""},
		{"dot prefix", "./test.txt", ""},
		{"parent escape attempt", "../outside.txt", "outside the workspace"},
		{"absolute escape attempt", "/etc/passwd", "outside the workspace"},
		{"sneaky escape", "dir/../../outside.txt", "outside the workspace"},
		{"leading whitespace", " test.txt", "leading or trailing whitespace"},
		{"trailing newline", "test.txt\n", "leading or trailing whitespace"},
		{"absolute-like relative", "Users/alice/file.txt", "missing leading '/'"},
		{"absolute-like home", "home/bob/.config", "missing leading '/'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ft.resolvePath(tt.path)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("resolvePath(%q) error = %v", tt.path, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("resolvePath(%q) error = %v, want %q", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestFileTools_UnrestrictedAbsolute(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "note.txt")
	os.WriteFile(outside, []byte("hello"), 0o644)

	r := newFileRegistry(t, FileToolsConfig{Workspace: t.TempDir()})
	if got := r.Execute(context.Background(), "read_file", map[string]any{"path": outside}); got != "hello" {
		t.Errorf("read_file = %q", got)
	}
}

func TestFileTools_ReadWriteEdit(t *testing.T) {
	workspace := t.TempDir()
	r := newFileRegistry(t, FileToolsConfig{Workspace: workspace, Restrict: true})
	ctx := context.Background()

	content := "Hello, World!\nLine 2\nLine 3"
	got := r.Execute(ctx, "write_file", map[string]any{"path": "notes/test.txt", "content": content})
	if got != "Successfully wrote 27 bytes to notes/test.txt" {
		t.Fatalf("write_file = %q", got)
	}

	if got := r.Execute(ctx, "read_file", map[string]any{"path": "notes/test.txt"}); got != content {
		t.Errorf("read_file = %q, want %q", got, content)
	}

	got = r.Execute(ctx, "read_file", map[string]any{"path": "notes/test.txt", "offset": float64(2), "limit": float64(1)})
	if got != "[Lines 2-2 of 3]\nLine 2" {
		t.Errorf("read_file with offset = %q", got)
	}

	got = r.Execute(ctx, "edit_file", map[string]any{"path": "notes/test.txt", "old_text": "World", "new_text": "Warden"})
	if !strings.HasPrefix(got, "Successfully edited") {
		t.Fatalf("edit_file = %q", got)
	}
	data, _ := os.ReadFile(filepath.Join(workspace, "notes", "test.txt"))
	if !strings.HasPrefix(string(data), "Hello, Warden!") {
		t.Errorf("file after edit = %q", data)
	}

	got = r.Execute(ctx, "edit_file", map[string]any{"path": "notes/test.txt", "old_text": "Line", "new_text": "Row"})
	if !strings.HasPrefix(got, "Error:") || !strings.Contains(got, "appears 2 times") {
		t.Errorf("ambiguous edit = %q", got)
	}

	got = r.Execute(ctx, "edit_file", map[string]any{"path": "notes/test.txt", "old_text": "absent", "new_text": "x"})
	if !strings.HasPrefix(got, "Error:") || !strings.Contains(got, "not found") {
		t.Errorf("missing old_text = %q", got)
	}

	if got := r.Execute(ctx, "read_file", map[string]any{"path": "nope.txt"}); !strings.HasPrefix(got, "Error: file not found") {
		t.Errorf("read missing = %q", got)
	}
}

func TestFileTools_ListDir(t *testing.T) {
	workspace := t.TempDir()
	os.MkdirAll(filepath.Join(workspace, "sub"), 0o755)
	os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("x"), 0o644)
	os.MkdirAll(filepath.Join(workspace, "empty"), 0o755)

	r := newFileRegistry(t, FileToolsConfig{Workspace: workspace, Restrict: true})
	ctx := context.Background()

	if got := r.Execute(ctx, "list_dir", map[string]any{"path": "."}); got != "a.txt\nempty/\nsub/" {
		t.Errorf("list_dir = %q", got)
	}
	if got := r.Execute(ctx, "list_dir", map[string]any{"path": "empty"}); got != "Directory empty is empty" {
		t.Errorf("list_dir empty = %q", got)
	}
}

func TestFileTools_RejectedPathsNeverWrite(t *testing.T) {
	workspace := t.TempDir()
	r := newFileRegistry(t, FileToolsConfig{Workspace: workspace})
	ctx := context.Background()

	got := r.Execute(ctx, "write_file", map[string]any{"path": "Users/alice/file.txt", "content": "x"})
	if !strings.HasPrefix(got, "Error:") || !strings.Contains(got, "missing leading '/'") {
		t.Errorf("write_file = %q", got)
	}
	if _, err := os.Stat(filepath.Join(workspace, "Users")); !os.IsNotExist(err) {
		t.Error("rejected path created a directory")
	}
}

func TestFileTools_InvalidParamsNeverWrite(t *testing.T) {
	workspace := t.TempDir()
	r := newFileRegistry(t, FileToolsConfig{Workspace: workspace})
	ctx := context.Background()

	tests := []map[string]any{
		{"path": "out.txt"},
		{"path": "out.txt", "content": float64(42)},
		{"path": []any{"out.txt"}, "content": "x"},
		{"content": "x"},
	}
	for _, args := range tests {
		got := r.Execute(ctx, "write_file", args)
		if !strings.HasPrefix(got, "Invalid parameters: ") {
			t.Errorf("write_file(%v) = %q, want Invalid parameters", args, got)
		}
	}
	entries, _ := os.ReadDir(workspace)
	if len(entries) != 0 {
		t.Errorf("workspace holds %d entries after invalid calls", len(entries))
	}
}

func TestFileTools_ReadRedacts(t *testing.T) {
	workspace := t.TempDir()
	cfg := `{"channels":{"email":{"imapPassword":"imap-secret-123"}}}` + "\nSMTP_PASSWORD=smtp-secret-456\nnote: sk-test-987654321\n"
	os.WriteFile(filepath.Join(workspace, "config.json"), []byte(cfg), 0o644)

	r := newFileRegistry(t, FileToolsConfig{
		Workspace:    workspace,
		KnownSecrets: []string{"sk-test-987654321"},
		Mask:         "***",
	})
	got := r.Execute(context.Background(), "read_file", map[string]any{"path": "config.json"})
	for _, leaked := range []string{"imap-secret-123", "smtp-secret-456", "sk-test-987654321"} {
		if strings.Contains(got, leaked) {
			t.Errorf("read_file leaked %q:\n%s", leaked, got)
		}
	}
	if !strings.Contains(got, "***") {
		t.Errorf("read_file output not masked:\n%s", got)
	}
}
