package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newTestImageStore(t *testing.T, maxBytes int64) (*ImageStore, *FileStore) {
	t.Helper()
	files, err := NewFileStore(t.TempDir(), "http://cdn.test/media")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return NewImageStore(files, nil, maxBytes), files
}

func TestImageStoreSaveAndRemove(t *testing.T) {
	images, files := newTestImageStore(t, 0)
	ctx := context.Background()

	ref, err := images.Save(ctx, "Room.PNG", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(ref, "http://cdn.test/media/listings/") || !strings.HasSuffix(ref, ".png") {
		t.Fatalf("unexpected ref %q", ref)
	}
	key := strings.TrimPrefix(ref, "http://cdn.test/media/")
	path := filepath.Join(files.BasePath(), key)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected blob on disk: %v", err)
	}

	if err := images.Remove(ctx, ref); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected blob removed, stat err=%v", err)
	}
}

func TestImageStoreRemoveIgnoresForeignRefs(t *testing.T) {
	images, _ := newTestImageStore(t, 0)
	for _, ref := range []string{"", "https://via.placeholder.com/300x200?text=Property", "http://cdn.test/media/listings/../../etc/passwd"} {
		if err := images.Remove(context.Background(), ref); err != nil {
			t.Fatalf("remove %q: %v", ref, err)
		}
	}
}

func TestImageStoreOwns(t *testing.T) {
	images, _ := newTestImageStore(t, 0)
	ref, err := images.Save(context.Background(), "front.png", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !images.Owns(ref) {
		t.Fatalf("store must own its own ref %q", ref)
	}
	for _, foreign := range []string{"", "https://via.placeholder.com/300x200?text=Property", "http://cdn.test/media/listings/", "http://cdn.test/media/listings/a/b.png", "http://cdn.test/media/other/x.png", "/media/listings/x.png"} {
		if images.Owns(foreign) {
			t.Fatalf("store must not own %q", foreign)
		}
	}
}

func TestImageStoreRejects(t *testing.T) {
	images, _ := newTestImageStore(t, 32)
	ctx := context.Background()

	cases := []struct {
		name     string
		filename string
		data     []byte
		want     error
	}{
		{name: "extension", filename: "room.gif", data: []byte("GIF89a"), want: ErrUnsupportedType},
		{name: "no extension", filename: "room", data: pngHeader, want: ErrUnsupportedType},
		{name: "too large", filename: "room.png", data: append(append([]byte{}, pngHeader...), make([]byte, 64)...), want: ErrTooLarge},
		{name: "jpeg mismatch", filename: "room.jpg", data: pngHeader, want: ErrInvalidContent},
		{name: "broken pdf", filename: "room.pdf", data: []byte("%PDF-1.4 not really"), want: ErrInvalidContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := images.Save(ctx, tc.filename, bytes.NewReader(tc.data))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCheckContentJPEG(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	ct, err := CheckContent(".jpeg", jpeg)
	if err != nil {
		t.Fatalf("check jpeg: %v", err)
	}
	if ct != "image/jpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestNewImageStoreNormalisesExtensions(t *testing.T) {
	images := NewImageStore(nil, []string{"PNG", " .Jpg ", ""}, 10)
	if _, ok := images.allowed[".png"]; !ok {
		t.Fatalf("expected .png allowed")
	}
	if _, ok := images.allowed[".jpg"]; !ok {
		t.Fatalf("expected .jpg allowed")
	}
	if _, ok := images.allowed[".pdf"]; ok {
		t.Fatalf("explicit allow-list should replace defaults")
	}
	if images.MaxBytes() != 10 {
		t.Fatalf("unexpected max bytes %d", images.MaxBytes())
	}
}
