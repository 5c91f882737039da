package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryFileSystemWriteThenRead(t *testing.T) {
	m := NewMemoryFileSystem()

	want := []byte("header then body")
	if err := m.WriteFile("capture/session.evtlog", want, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := m.ReadFile("capture/session.evtlog")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("ReadFile = %q, want %q", got, want)
	}

	// Mutating the returned slice must not affect the stored file.
	got[0] = 'X'
	again, err := m.ReadFile("capture/session.evtlog")
	if err != nil {
		t.Fatalf("second ReadFile failed: %v", err)
	}
	if string(again) != string(want) {
		t.Errorf("stored contents changed to %q after caller mutation", again)
	}
}

func TestMemoryFileSystemCreatePublishesOnClose(t *testing.T) {
	m := NewMemoryFileSystem()

	w, err := m.Create("out.bin")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := w.Write([]byte("def")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Before Close the file exists but is still empty.
	pre, err := m.ReadFile("out.bin")
	if err != nil {
		t.Fatalf("ReadFile before Close failed: %v", err)
	}
	if len(pre) != 0 {
		t.Errorf("file visible before Close: %q", pre)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	post, err := m.ReadFile("out.bin")
	if err != nil {
		t.Fatalf("ReadFile after Close failed: %v", err)
	}
	if string(post) != "abcdef" {
		t.Errorf("ReadFile after Close = %q, want %q", post, "abcdef")
	}
}

func TestMemoryFileSystemOpen(t *testing.T) {
	m := NewMemoryFileSystem()
	if err := m.WriteFile("a.bin", []byte("payload"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	f, err := m.Open("a.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("read %q, want %q", data, "payload")
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Name() != "a.bin" || info.Size() != int64(len("payload")) {
		t.Errorf("Stat = %q/%d, want a.bin/%d", info.Name(), info.Size(), len("payload"))
	}
}

func TestMemoryFileSystemMissingFile(t *testing.T) {
	m := NewMemoryFileSystem()

	if _, err := m.Open("nope.evtlog"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open missing = %v, want fs.ErrNotExist", err)
	}
	if _, err := m.ReadFile("nope.evtlog"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile missing = %v, want fs.ErrNotExist", err)
	}
}

func TestMemoryFileSystemCleansPaths(t *testing.T) {
	m := NewMemoryFileSystem()
	if err := m.WriteFile("dir//sub/../file.bin", []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := m.ReadFile("dir/file.bin"); err != nil {
		t.Errorf("ReadFile via cleaned path failed: %v", err)
	}
}

func TestOSFileSystemRoundTrip(t *testing.T) {
	var osfs OSFileSystem
	path := filepath.Join(t.TempDir(), "roundtrip.bin")

	w, err := osfs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte("on disk")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := osfs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "on disk" {
		t.Errorf("ReadFile = %q, want %q", data, "on disk")
	}

	f, err := osfs.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	f.Close()

	if err := osfs.WriteFile(path, []byte("replaced"), os.FileMode(0600)); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	data, err = osfs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after WriteFile failed: %v", err)
	}
	if string(data) != "replaced" {
		t.Errorf("ReadFile = %q, want %q", data, "replaced")
	}
}
