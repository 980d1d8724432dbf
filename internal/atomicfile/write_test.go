// write_test.go covers [Write], [WriteFrom] and [Copy]: content, overwrite,
// permissions, and that no temp files survive a failure.

package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if matched, _ := filepath.Match("*.tmp.*", e.Name()); matched {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voice_history.json")

	if err := Write(path, []byte(`{"$version":2}`), 0o644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != `{"$version":2}` {
		t.Errorf("content = %q", got)
	}
	assertNoTempFiles(t, dir)
}

func TestWrite_Overwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	if err := Write(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := Write(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}
}

func TestWrite_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private.json")
	if err := Write(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm()&0o600 == 0 {
		t.Errorf("permissions = %o, expected owner rw", info.Mode().Perm())
	}
}

func TestWriteFrom_FillErrorKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	if err := Write(path, []byte("good copy"), 0o644); err != nil {
		t.Fatalf("Write: %v", err)
	}

	boom := errors.New("disk full")
	err := WriteFrom(path, func(w io.Writer) error {
		w.Write([]byte("partial"))
		return boom
	}, 0o644)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "good copy" {
		t.Errorf("content = %q, previous copy should survive", got)
	}
	assertNoTempFiles(t, dir)
}

func TestWrite_MissingDirectory(t *testing.T) {
	parent := t.TempDir()
	err := Write(filepath.Join(parent, "missing", "ledger.json"), []byte("x"), 0o644)
	if err == nil {
		t.Fatal("expected error writing into a missing directory")
	}
	assertNoTempFiles(t, parent)
}

func TestCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "voice_history.json")
	dst := filepath.Join(dir, "voice_history_2024-01-01.json")
	if err := os.WriteFile(src, []byte(`{"a":1}`), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := Copy(src, dst); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("archive = %q", got)
	}
	assertNoTempFiles(t, dir)
}

func TestCopy_MissingSource(t *testing.T) {
	dir := t.TempDir()
	if err := Copy(filepath.Join(dir, "nope.json"), filepath.Join(dir, "out.json")); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, err := os.Stat(filepath.Join(dir, "out.json")); !os.IsNotExist(err) {
		t.Error("destination should not exist after failed copy")
	}
}
