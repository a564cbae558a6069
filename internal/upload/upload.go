// Package upload stores message attachments on local disk.
package upload

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"

	"github.com/eldtechnologies/roomsync/internal/models"
)

var (
	ErrTooLarge = errors.New("upload: file too large")
	ErrEmpty    = errors.New("upload: empty file")
)

// DefaultMaxBytes caps a single upload when no limit is configured.
const DefaultMaxBytes = 10 << 20

// Disk writes uploads into a directory served under /uploads/.
type Disk struct {
	dir       string
	publicURL string
	maxBytes  int64
	now       func() time.Time
}

// NewDisk creates the upload directory if needed. publicURL, when set,
// overrides the request host in returned URLs.
func NewDisk(dir, publicURL string, maxBytes int64) (*Disk, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir: %w", err)
	}
	return &Disk{
		dir:       dir,
		publicURL: strings.TrimRight(publicURL, "/"),
		maxBytes:  maxBytes,
		now:       time.Now,
	}, nil
}

// Dir returns the directory uploads are written to.
func (d *Disk) Dir() string {
	return d.dir
}

// MaxBytes returns the per-file limit.
func (d *Disk) MaxBytes() int64 {
	return d.maxBytes
}

// Save writes r to disk as "<unix ms>-<name>" and describes the stored file.
// baseURL (scheme://host of the request) is used when no public URL is set.
func (d *Disk) Save(name string, r io.Reader, baseURL string) (models.Attachment, error) {
	original := cleanName(name)
	ms := d.now().UnixMilli()
	stored := fmt.Sprintf("%d-%s", ms, original)
	path := filepath.Join(d.dir, stored)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	for i := 1; errors.Is(err, os.ErrExist) && i < 100; i++ {
		stored = fmt.Sprintf("%d-%d-%s", ms, i, original)
		path = filepath.Join(d.dir, stored)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	}
	if err != nil {
		return models.Attachment{}, fmt.Errorf("upload: create: %w", err)
	}

	written, err := io.Copy(f, io.LimitReader(r, d.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	switch {
	case err != nil:
		os.Remove(path)
		return models.Attachment{}, fmt.Errorf("upload: write: %w", err)
	case written > d.maxBytes:
		os.Remove(path)
		return models.Attachment{}, ErrTooLarge
	case written == 0:
		os.Remove(path)
		return models.Attachment{}, ErrEmpty
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		os.Remove(path)
		return models.Attachment{}, fmt.Errorf("upload: detect type: %w", err)
	}

	base := d.publicURL
	if base == "" {
		base = strings.TrimRight(baseURL, "/")
	}

	return models.Attachment{
		URL:      base + "/uploads/" + url.PathEscape(stored),
		FileName: original,
		FileType: mtype.String(),
		Size:     written,
	}, nil
}

// cleanName keeps the base name and drops path separators and control
// characters.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '/' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	if len(name) > 120 {
		ext := filepath.Ext(name)
		if len(ext) > 20 {
			ext = ""
		}
		name = name[:120-len(ext)] + ext
	}
	return name
}
