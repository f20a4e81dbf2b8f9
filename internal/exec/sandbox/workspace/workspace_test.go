package workspace

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	appErr "runbox/pkg/errors"
)

func TestManagerCreate(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "", 0)

	ws, err := m.Create("exec-1")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	defer func() { _ = ws.Destroy() }()

	if !strings.HasPrefix(filepath.Base(ws.Root()), DefaultPrefix) {
		t.Fatalf("expected workspace dir with prefix %s, got %s", DefaultPrefix, ws.Root())
	}
	info, err := os.Stat(ws.BoxDir())
	if err != nil || !info.IsDir() {
		t.Fatalf("expected box dir, got %v %v", info, err)
	}
	if ws.HasStdin() {
		t.Fatalf("expected no stdin on a fresh workspace")
	}
}

func TestManagerCreateRequiresID(t *testing.T) {
	m := NewManager(t.TempDir(), "", 0)
	_, err := m.Create("")
	if err == nil {
		t.Fatalf("expected error for empty execution id")
	}
	if got := appErr.GetCode(err); got != appErr.ValidationFailed {
		t.Fatalf("expected ValidationFailed, got %v", got)
	}
}

func TestWriteSource(t *testing.T) {
	ws := newTestWorkspace(t)

	if err := ws.WriteSource("main.py", "print('hi')\n"); err != nil {
		t.Fatalf("write source: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws.BoxDir(), "main.py"))
	if err != nil {
		t.Fatalf("read source back: %v", err)
	}
	if string(data) != "print('hi')\n" {
		t.Fatalf("unexpected source content: %q", data)
	}
}

func TestWriteStdin(t *testing.T) {
	ws := newTestWorkspace(t)

	if err := ws.WriteStdin(""); err != nil {
		t.Fatalf("write empty stdin: %v", err)
	}
	if ws.HasStdin() {
		t.Fatalf("expected empty stdin to write nothing")
	}
	if _, err := os.Stat(filepath.Join(ws.BoxDir(), StdinFileName)); !os.IsNotExist(err) {
		t.Fatalf("expected no stdin file, got %v", err)
	}

	if err := ws.WriteStdin("42"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	if !ws.HasStdin() {
		t.Fatalf("expected HasStdin true after write")
	}
	data, err := os.ReadFile(filepath.Join(ws.BoxDir(), StdinFileName))
	if err != nil {
		t.Fatalf("read stdin back: %v", err)
	}
	if string(data) != "42\n" {
		t.Fatalf("expected trailing newline, got %q", data)
	}
}

func TestWriteFiles(t *testing.T) {
	ws := newTestWorkspace(t)

	files := map[string]string{
		"input.txt":     base64.StdEncoding.EncodeToString([]byte("hello\n")),
		"data/rows.csv": base64.StdEncoding.EncodeToString([]byte("a,b\n")),
	}
	if err := ws.WriteFiles(files); err != nil {
		t.Fatalf("write files: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws.BoxDir(), "data", "rows.csv"))
	if err != nil {
		t.Fatalf("read nested file: %v", err)
	}
	if string(data) != "a,b\n" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestWriteFilesInvalidBase64(t *testing.T) {
	ws := newTestWorkspace(t)

	err := ws.WriteFiles(map[string]string{"bad.bin": "%%%"})
	if err == nil {
		t.Fatalf("expected error for invalid base64")
	}
	if got := appErr.GetCode(err); got != appErr.InvalidFileName {
		t.Fatalf("expected InvalidFileName, got %v", got)
	}
}

func TestSafeJoinRejectsEscapes(t *testing.T) {
	ws := newTestWorkspace(t)

	cases := []string{"", "/etc/passwd", "..", "../outside", "a/../../outside"}
	for _, name := range cases {
		err := ws.WriteSource(name, "x")
		if err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
		if got := appErr.GetCode(err); got != appErr.InvalidFileName {
			t.Fatalf("expected InvalidFileName for %q, got %v", name, got)
		}
	}

	// Interior dot-dot segments that stay inside the box are fine.
	if err := ws.WriteSource("a/../main.py", "x"); err != nil {
		t.Fatalf("expected interior .. to be allowed, got %v", err)
	}
}

func TestCollectFiles(t *testing.T) {
	ws := newTestWorkspace(t)
	if err := os.WriteFile(filepath.Join(ws.BoxDir(), "out.txt"), []byte("result\n"), 0644); err != nil {
		t.Fatalf("seed output file: %v", err)
	}

	files, err := ws.CollectFiles([]string{"out.txt", "missing.txt"})
	if err != nil {
		t.Fatalf("collect files: %v", err)
	}
	want := base64.StdEncoding.EncodeToString([]byte("result\n"))
	if files["out.txt"] != want {
		t.Fatalf("expected %q, got %q", want, files["out.txt"])
	}
	if _, ok := files["missing.txt"]; ok {
		t.Fatalf("expected missing file to be omitted")
	}
}

func TestCollectFilesBounded(t *testing.T) {
	m := NewManager(t.TempDir(), "", 4)
	ws, err := m.Create("exec-bound")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	defer func() { _ = ws.Destroy() }()

	if err := os.WriteFile(filepath.Join(ws.BoxDir(), "big.txt"), []byte("0123456789"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	files, err := ws.CollectFiles([]string{"big.txt"})
	if err != nil {
		t.Fatalf("collect files: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(files["big.txt"])
	if err != nil {
		t.Fatalf("decode collected file: %v", err)
	}
	if string(decoded) != "0123" {
		t.Fatalf("expected read capped at 4 bytes, got %q", decoded)
	}
}

func TestDestroy(t *testing.T) {
	ws := newTestWorkspace(t)
	root := ws.Root()

	if err := ws.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, got %v", err)
	}
	// Destroying twice is a no-op.
	if err := ws.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewManager(t.TempDir(), "", 0).Create("exec-test")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	t.Cleanup(func() { _ = ws.Destroy() })
	return ws
}
