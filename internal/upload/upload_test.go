package upload

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// a 1x1 transparent PNG
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func newTestDisk(t *testing.T, publicURL string, maxBytes int64) *Disk {
	t.Helper()
	d, err := NewDisk(filepath.Join(t.TempDir(), "uploads"), publicURL, maxBytes)
	if err != nil {
		t.Fatal(err)
	}
	d.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return d
}

func TestSaveDetectsType(t *testing.T) {
	d := newTestDisk(t, "", 0)

	att, err := d.Save("cat.png", bytes.NewReader(pngBytes), "http://localhost:8080")
	if err != nil {
		t.Fatal(err)
	}
	if att.FileType != "image/png" {
		t.Fatalf("expected image/png, got %q", att.FileType)
	}
	if att.FileName != "cat.png" {
		t.Fatalf("expected cat.png, got %q", att.FileName)
	}
	if att.Size != int64(len(pngBytes)) {
		t.Fatalf("expected size %d, got %d", len(pngBytes), att.Size)
	}
	if att.URL != "http://localhost:8080/uploads/1700000000000-cat.png" {
		t.Fatalf("unexpected url %q", att.URL)
	}
	if _, err := os.Stat(filepath.Join(d.Dir(), "1700000000000-cat.png")); err != nil {
		t.Fatalf("expected stored file: %v", err)
	}
}

func TestSaveUsesPublicURL(t *testing.T) {
	d := newTestDisk(t, "https://chat.example.com/", 0)

	att, err := d.Save("notes.txt", strings.NewReader("hello"), "http://internal:8080")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(att.URL, "https://chat.example.com/uploads/") {
		t.Fatalf("expected public url, got %q", att.URL)
	}
	if !strings.HasPrefix(att.FileType, "text/plain") {
		t.Fatalf("expected text/plain, got %q", att.FileType)
	}
}

func TestSaveRejects(t *testing.T) {
	d := newTestDisk(t, "", 4)

	if _, err := d.Save("big.txt", strings.NewReader("too long"), ""); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, err := d.Save("empty.txt", strings.NewReader(""), ""); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}

	entries, _ := os.ReadDir(d.Dir())
	if len(entries) != 0 {
		t.Fatalf("expected rejected uploads to be removed, found %d files", len(entries))
	}
}

func TestCleanName(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd":   "passwd",
		`C:\Users\me\a.png`:  "a.png",
		"":                   "file",
		"..":                 "file",
		"report\x00.pdf":     "report.pdf",
		"  spaced name.txt ": "spaced name.txt",
	}
	for in, want := range cases {
		if got := cleanName(in); got != want {
			t.Fatalf("cleanName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSaveSameNameSameMillisecond(t *testing.T) {
	d := newTestDisk(t, "", 0)

	a, err := d.Save("a.txt", strings.NewReader("one"), "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.Save("a.txt", strings.NewReader("two"), "")
	if err != nil {
		t.Fatal(err)
	}
	if a.URL == b.URL {
		t.Fatalf("expected distinct stored names, both %q", a.URL)
	}
}
