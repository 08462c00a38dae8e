package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

var keyPattern = regexp.MustCompile(`^audio/[^/]+/\d{8}_\d{6}-[0-9a-f]{12}\.pcm$`)

func TestKeyFor(t *testing.T) {
	at := time.Date(2025, 3, 9, 14, 5, 7, 0, time.UTC)
	data := bytes.Repeat([]byte{1}, 2048)

	key := KeyFor("ana", at, data)
	if !keyPattern.MatchString(key) {
		t.Fatalf("KeyFor() = %s, does not match layout", key)
	}
	if want := "audio/ana/20250309_140507-"; key[:len(want)] != want {
		t.Errorf("KeyFor() = %s, want prefix %s", key, want)
	}
}

func TestKeyFor_Redelivery(t *testing.T) {
	at := time.Date(2025, 3, 9, 14, 5, 7, 0, time.UTC)
	data := bytes.Repeat([]byte{7}, 4096)

	if KeyFor("ana", at, data) != KeyFor("ana", at, data) {
		t.Error("same event produced different keys")
	}
}

func TestKeyFor_SameSecondDistinctPayloads(t *testing.T) {
	at := time.Date(2025, 3, 9, 14, 5, 7, 0, time.UTC)
	a := KeyFor("ana", at, bytes.Repeat([]byte{1}, 2048))
	b := KeyFor("ana", at.Add(400*time.Millisecond), bytes.Repeat([]byte{2}, 2048))

	if a == b {
		t.Errorf("distinct payloads in the same second collided on %s", a)
	}
}

func TestKeyFor_NormalizesToUTC(t *testing.T) {
	local := time.Date(2025, 3, 9, 16, 5, 7, 0, time.FixedZone("EET", 2*3600))
	utc := local.UTC()
	data := []byte("x")

	if KeyFor("a", local, data) != KeyFor("a", utc, data) {
		t.Error("KeyFor should format the timestamp in UTC")
	}
}

func TestSanitizeAuthor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ana", "ana"},
		{"", "Anonymous"},
		{"   ", "Anonymous"},
		{"../../etc", "_.._etc"},
		{"..", "Anonymous"},
		{"a/b", "a_b"},
		{"first last", "first_last"},
		{"tab\there", "tab_here"},
		{"Zoë", "Zoë"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeAuthor(tt.in); got != tt.want {
				t.Errorf("SanitizeAuthor(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLocalStore_PutGet(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}

	data := bytes.Repeat([]byte{0xab}, 1500)
	key := KeyFor("ana", time.Now(), data)

	if err := store.Put(ctx, key, data, WithMetadata("author", "ana")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	// Idempotent overwrite
	if err := store.Put(ctx, key, data); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Get() returned different bytes")
	}

	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		t.Errorf("Exists() = %v, %v, want true", ok, err)
	}

	// No temp files left behind
	entries, _ := os.ReadDir(filepath.Dir(filepath.Join(dir, filepath.FromSlash(key))))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestLocalStore_Missing(t *testing.T) {
	ctx := context.Background()
	store, _ := NewLocalStore(t.TempDir())

	if _, err := store.Get(ctx, "audio/x/none.pcm"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	ok, err := store.Exists(ctx, "audio/x/none.pcm")
	if err != nil || ok {
		t.Errorf("Exists() = %v, %v, want false", ok, err)
	}
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := NewLocalStore(t.TempDir())

	for _, key := range []string{"../outside.pcm", "/etc/passwd", "", "audio/../../x"} {
		if err := store.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("Put(%q) error = nil, want rejection", key)
		}
	}
}

func TestLocalStore_CancelledContext(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, "audio/a/b.pcm", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Put() error = %v, want context.Canceled", err)
	}
}
