package media

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSaveAndOpenPicture(t *testing.T) {
	t.Parallel()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	key, err := s.SavePicture(testImage(t, 1024, 768))
	if err != nil {
		t.Fatalf("SavePicture() error = %v", err)
	}
	if !strings.HasPrefix(key, "pictures/") || !strings.HasSuffix(key, ".jpg") {
		t.Errorf("key = %q, want pictures/<uuid>.jpg", key)
	}

	rc, err := s.Open(key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()

	// The stored form is a JPEG fitted into the bounding box.
	img, format, err := image.Decode(rc)
	if err != nil {
		t.Fatalf("decode stored picture: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("stored format = %q, want jpeg", format)
	}
	if b := img.Bounds(); b.Dx() > 512 || b.Dy() > 512 {
		t.Errorf("stored bounds = %v, want fitted into 512px box", b)
	}
}

func TestSaveRejectsNonImage(t *testing.T) {
	t.Parallel()
	s, _ := NewStore(t.TempDir())

	if _, err := s.SavePicture([]byte("definitely not an image")); !errors.Is(err, ErrNotAnImage) {
		t.Errorf("SavePicture() error = %v, want ErrNotAnImage", err)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	t.Parallel()
	s, _ := NewStore(t.TempDir())

	for _, key := range []string{"../../etc/passwd", "pictures/../../x.jpg", "other/file.jpg"} {
		if _, err := s.Open(key); !errors.Is(err, ErrNotFound) {
			t.Errorf("Open(%q) error = %v, want ErrNotFound", key, err)
		}
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	s, _ := NewStore(t.TempDir())

	key, _ := s.SaveReportPhoto(testImage(t, 64, 64))
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Open(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open() after delete error = %v, want ErrNotFound", err)
	}
	// Idempotent.
	if err := s.Delete(key); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}
