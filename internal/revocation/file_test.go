package revocation

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParseList(t *testing.T) {
	input := "# revoked after chargeback\nsig-aaaaaaaaaaaaaaaa\n\n  sig-bbbbbbbbbbbbbbbb  \n#sig-cccccccccccccccc\n"

	got, err := ParseList(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	want := []string{"sig-aaaaaaaaaaaaaaaa", "sig-bbbbbbbbbbbbbbbb"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseList = %v, want %v", got, want)
	}
}

func TestFileSourceLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revoked.txt")
	src := NewFileSource(path)

	if err := src.Load(); err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if len(src.Signatures()) != 0 {
		t.Fatalf("expected no signatures for missing file, got %v", src.Signatures())
	}

	if err := os.WriteFile(path, []byte("sig-1\nsig-2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := src.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := src.Signatures(); !reflect.DeepEqual(got, []string{"sig-1", "sig-2"}) {
		t.Fatalf("Signatures = %v", got)
	}

	select {
	case <-src.Changed():
	default:
		t.Fatal("expected change notification after Load")
	}
}

func TestFileSourceWatchReloads(t *testing.T) {
	origDebounce := fileDebounce
	fileDebounce = 10 * time.Millisecond
	t.Cleanup(func() { fileDebounce = origDebounce })

	path := filepath.Join(t.TempDir(), "revoked.txt")
	if err := os.WriteFile(path, []byte("sig-1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(path)
	if err := src.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("sig-1\nsig-2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(src.Signatures()) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("file change not picked up, signatures = %v", src.Signatures())
}
