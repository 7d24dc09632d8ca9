// ABOUTME: Media upload boundary and a disk-backed implementation
// ABOUTME: Stored files get random names with an extension derived from their sniffed type

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrTooLarge is returned when an upload exceeds the configured limit
var ErrTooLarge = errors.New("media too large")

// ErrUnsupportedType is returned for content that is not an image, video or audio file
var ErrUnsupportedType = errors.New("unsupported media type")

// Uploader stores media and returns a URL clients can fetch it from
type Uploader interface {
	Upload(ctx context.Context, data []byte, hint string) (Stored, error)
}

// Stored describes an uploaded file
type Stored struct {
	URL      string            `json:"url"`
	Name     string            `json:"name"`
	MIMEType string            `json:"mime_type"`
	Kind     store.MessageKind `json:"kind"`
	Size     int               `json:"size"`
}

// DiskUploader writes uploads below a directory and serves them under baseURL
type DiskUploader struct {
	dir      string
	baseURL  string
	maxBytes int64
	logger   *slog.Logger
}

// NewDiskUploader creates dir if needed. baseURL is the public prefix the
// files are served under, e.g. "https://chat.example.com/media".
func NewDiskUploader(dir, baseURL string, maxBytes int64, logger *slog.Logger) (*DiskUploader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, errors.New("media directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	return &DiskUploader{
		dir:      dir,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxBytes: maxBytes,
		logger:   logger.With("component", "media"),
	}, nil
}

// Dir returns the directory files are written to.
func (u *DiskUploader) Dir() string {
	return u.dir
}

// MaxBytes returns the upload size limit; zero means unlimited.
func (u *DiskUploader) MaxBytes() int64 {
	return u.maxBytes
}

// Upload sniffs data, rejects anything that is not image, video or audio and
// writes it under a random name. hint is an optional original file name used
// only for logging.
func (u *DiskUploader) Upload(ctx context.Context, data []byte, hint string) (Stored, error) {
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}
	if len(data) == 0 {
		return Stored{}, fmt.Errorf("%w: empty upload", ErrUnsupportedType)
	}
	if u.maxBytes > 0 && int64(len(data)) > u.maxBytes {
		return Stored{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), u.maxBytes)
	}

	mt := mimetype.Detect(data)
	kind, ok := KindOf(mt.String())
	if !ok {
		return Stored{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mt.String())
	}

	name := uuid.New().String() + mt.Extension()
	path := filepath.Join(u.dir, name)

	// Write to a temp file first so readers never see a partial upload
	tmp, err := os.CreateTemp(u.dir, ".upload-*")
	if err != nil {
		return Stored{}, fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Stored{}, fmt.Errorf("writing media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Stored{}, fmt.Errorf("closing media: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return Stored{}, fmt.Errorf("storing media: %w", err)
	}

	stored := Stored{
		URL:      u.baseURL + "/" + url.PathEscape(name),
		Name:     name,
		MIMEType: mt.String(),
		Kind:     kind,
		Size:     len(data),
	}
	u.logger.Info("media stored", "name", name, "mime", stored.MIMEType, "size", stored.Size, "hint", hint)
	return stored, nil
}

// KindOf maps a MIME type to a media message kind.
func KindOf(mimeType string) (store.MessageKind, bool) {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return store.MessageKindImage, true
	case strings.HasPrefix(mimeType, "video/"):
		return store.MessageKindVideo, true
	case strings.HasPrefix(mimeType, "audio/"):
		return store.MessageKindAudio, true
	}
	return "", false
}
