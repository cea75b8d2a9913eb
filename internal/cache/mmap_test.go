package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMappingRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	value := []byte("mapped bytes")

	m, err := newMapping(dir, value)
	if err != nil {
		t.Fatalf("newMapping: %v", err)
	}

	if !bytes.Equal(m.Bytes(), value) {
		t.Errorf("Bytes = %q, want %q", m.Bytes(), value)
	}
	if m.Len() != int64(len(value)) {
		t.Errorf("Len = %d, want %d", m.Len(), len(value))
	}

	if err := m.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if m.Bytes() != nil {
		t.Error("Bytes should be nil after release")
	}
}

func TestMappingReleaseIdempotent(t *testing.T) {
	t.Parallel()

	m, err := newMapping(t.TempDir(), []byte("value"))
	if err != nil {
		t.Fatalf("newMapping: %v", err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := m.Release(); err != nil {
		t.Errorf("second release: %v", err)
	}
}

func TestMappingCleansUpTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := newMapping(dir, []byte("value"))
	if err != nil {
		t.Fatalf("newMapping: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "mmap-*.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("backing files = %v, want exactly one", files)
	}

	if err := m.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(files[0]); !os.IsNotExist(err) {
		t.Errorf("backing file %s still present after release", files[0])
	}
}

func TestMappingEmptyValue(t *testing.T) {
	t.Parallel()

	m, err := newMapping(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("newMapping: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
	if got := m.Bytes(); len(got) != 0 {
		t.Errorf("Bytes = %q, want empty", got)
	}
	if err := m.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
}
