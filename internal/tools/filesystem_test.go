package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func workspaceCtx(t *testing.T, writes bool) (context.Context, string) {
	t.Helper()
	dir := t.TempDir()
	ctx := WithExecContext(context.Background(), &ExecContext{
		UserID:          "u1",
		BaseDir:         dir,
		AllowFileWrites: writes,
	})
	return ctx, dir
}

func TestReadFileWithinWorkspace(t *testing.T) {
	ctx, dir := workspaceCtx(t, false)
	if err := os.WriteFile(filepath.Join(dir, "note.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadFileTool()
	res, err := tool.Execute(ctx, json.RawMessage(`{"path":"note.txt"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || res.Content != "hello" {
		t.Errorf("result = %+v", res)
	}
}

func TestReadFileRejectsEscape(t *testing.T) {
	ctx, _ := workspaceCtx(t, false)
	tool := NewReadFileTool()

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../escape"} {
		res, err := tool.Execute(ctx, json.RawMessage(`{"path":"`+path+`"}`))
		if err != nil {
			t.Fatalf("Execute(%q): %v", path, err)
		}
		if !res.IsError {
			t.Errorf("path %q was not rejected", path)
		}
	}
}

func TestReadFileWithoutWorkspace(t *testing.T) {
	tool := NewReadFileTool()
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"x.txt"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "not granted") {
		t.Errorf("result = %+v", res)
	}
}

func TestWriteFileRequiresCapability(t *testing.T) {
	ctx, _ := workspaceCtx(t, false)
	tool := NewWriteFileTool()

	res, err := tool.Execute(ctx, json.RawMessage(`{"path":"out.txt","content":"data"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "not permitted") {
		t.Errorf("result = %+v", res)
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	ctx, dir := workspaceCtx(t, true)
	tool := NewWriteFileTool()

	res, err := tool.Execute(ctx, json.RawMessage(`{"path":"sub/dir/out.txt","content":"data"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sub", "dir", "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "data" {
		t.Errorf("content = %q", data)
	}
}

func TestListDir(t *testing.T) {
	ctx, dir := workspaceCtx(t, false)
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "a"), 0o755); err != nil {
		t.Fatal(err)
	}

	tool := NewListDirTool()
	res, err := tool.Execute(ctx, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if res.Content != "a/\nb.txt" {
		t.Errorf("listing = %q", res.Content)
	}
}

func TestSearchQuota(t *testing.T) {
	ec := &ExecContext{SearchQuota: 2}
	if !ec.ConsumeSearch() || !ec.ConsumeSearch() {
		t.Fatal("quota consumed too early")
	}
	if ec.ConsumeSearch() {
		t.Error("quota not enforced")
	}

	unlimited := &ExecContext{}
	for i := 0; i < 100; i++ {
		if !unlimited.ConsumeSearch() {
			t.Fatal("unlimited quota blocked")
		}
	}
}
