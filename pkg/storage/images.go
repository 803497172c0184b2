package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrInvalidContent  = errors.New("file content does not match its type")
)

// DefaultAllowedExtensions is the upload allow-list for listing images.
var DefaultAllowedExtensions = []string{".pdf", ".jpg", ".jpeg", ".png"}

const DefaultMaxUploadBytes int64 = 5 << 20

// ImageKeyPrefix namespaces listing uploads inside the object store.
const ImageKeyPrefix = "listings/"

// ImageStore validates listing uploads and keeps them in an ObjectStore.
type ImageStore struct {
	objects  ObjectStore
	allowed  map[string]struct{}
	maxBytes int64
	prefix   string
}

// NewImageStore builds an ImageStore. Empty allow-list or non-positive maxBytes
// fall back to the defaults.
func NewImageStore(objects ObjectStore, allowedExts []string, maxBytes int64) *ImageStore {
	if len(allowedExts) == 0 {
		allowedExts = DefaultAllowedExtensions
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	allowed := make(map[string]struct{}, len(allowedExts))
	for _, ext := range allowedExts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return &ImageStore{objects: objects, allowed: allowed, maxBytes: maxBytes, prefix: ImageKeyPrefix}
}

// MaxBytes is the largest accepted upload.
func (s *ImageStore) MaxBytes() int64 { return s.maxBytes }

// Save validates and stores an upload, returning the reference to persist on the listing.
func (s *ImageStore) Save(ctx context.Context, filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := s.allowed[ext]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return "", ErrTooLarge
	}
	contentType, err := CheckContent(ext, data)
	if err != nil {
		return "", err
	}
	key := s.prefix + uuid.NewString() + ext
	if err := s.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", err
	}
	return s.objects.URL(key), nil
}

// Remove deletes the blob behind ref. References not produced by this store
// (external URLs, the placeholder) are ignored.
func (s *ImageStore) Remove(ctx context.Context, ref string) error {
	key, ok := s.keyFor(ref)
	if !ok {
		return nil
	}
	return s.objects.Delete(ctx, key)
}

// Owns reports whether ref resolves to a blob key inside this store.
func (s *ImageStore) Owns(ref string) bool {
	_, ok := s.keyFor(ref)
	return ok
}

func (s *ImageStore) keyFor(ref string) (string, bool) {
	base := s.objects.URL(s.prefix)
	if ref == "" || !strings.HasPrefix(ref, base) {
		return "", false
	}
	name := strings.TrimPrefix(ref, base)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return s.prefix + name, true
}

// CheckContent verifies that data looks like ext and returns its content type.
// PDFs must parse and contain at least one page.
func CheckContent(ext string, data []byte) (string, error) {
	switch ext {
	case ".pdf":
		if err := checkPDF(data); err != nil {
			return "", err
		}
		return "application/pdf", nil
	case ".jpg", ".jpeg":
		if http.DetectContentType(data) != "image/jpeg" {
			return "", ErrInvalidContent
		}
		return "image/jpeg", nil
	case ".png":
		if http.DetectContentType(data) != "image/png" {
			return "", ErrInvalidContent
		}
		return "image/png", nil
	default:
		return http.DetectContentType(data), nil
	}
}

func checkPDF(data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: malformed pdf", ErrInvalidContent)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if reader.NumPage() == 0 {
		return fmt.Errorf("%w: empty pdf", ErrInvalidContent)
	}
	return nil
}
