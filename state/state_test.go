package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhcgn/mail-archive/layout"
)

func TestIndex(t *testing.T) {
	idx := NewIndex()
	if idx.Known("<1@x>") {
		t.Fatal("empty index reports id as known")
	}

	idx.Add("<1@x>", layout.Sanitize("<1@x>"), "")
	if !idx.Known("<1@x>") {
		t.Error("raw id not known after Add")
	}
	if !idx.Known("other", "_1@x_") {
		t.Error("sanitized id not known after Add")
	}
	if idx.Known("", "") {
		t.Error("empty ids must never be known")
	}
	if got := idx.Snapshot().Known; got != 2 {
		t.Errorf("Snapshot().Known = %d, want 2", got)
	}
}

func TestWatermark(t *testing.T) {
	dir := t.TempDir()

	if _, ok, err := ReadWatermark(dir); err != nil || ok {
		t.Fatalf("ReadWatermark() on empty archive = ok %v, err %v", ok, err)
	}

	want := time.Date(2024, 6, 1, 12, 30, 45, 0, time.Local)
	if err := WriteWatermark(dir, want); err != nil {
		t.Fatalf("WriteWatermark() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, layout.LastSyncFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "2024-06-01 12:30:45\n" {
		t.Errorf(".lastSync content = %q", raw)
	}

	got, ok, err := ReadWatermark(dir)
	if err != nil || !ok {
		t.Fatalf("ReadWatermark() = ok %v, err %v", ok, err)
	}
	if !got.Equal(want) {
		t.Errorf("ReadWatermark() = %v, want %v", got, want)
	}
}

func TestWatermarkCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, layout.LastSyncFile), []byte("last tuesday\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadWatermark(dir); err == nil {
		t.Error("expected error for unparseable .lastSync")
	}
}

func TestLockArchive(t *testing.T) {
	dir := t.TempDir()

	first, err := LockArchive(dir)
	if err != nil {
		t.Fatalf("LockArchive() error = %v", err)
	}

	if _, err := LockArchive(dir); !errors.Is(err, ErrArchiveBusy) {
		t.Fatalf("second LockArchive() error = %v, want ErrArchiveBusy", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}

	again, err := LockArchive(dir)
	if err != nil {
		t.Fatalf("LockArchive() after release error = %v", err)
	}
	_ = again.Release()
}

func BenchmarkIndex_Add(b *testing.B) {
	idx := NewIndex()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("<%d@bench>", i)
		idx.Add(id, layout.Sanitize(id))
	}
}

func BenchmarkIndex_Known(b *testing.B) {
	idx := NewIndex()
	for i := 0; i < 1000; i++ {
		idx.Add(fmt.Sprintf("<%d@bench>", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = idx.Known(fmt.Sprintf("<%d@bench>", i%1000))
	}
}
