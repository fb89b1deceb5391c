// Package media stores the few binary artifacts the server keeps on disk:
// user and server pictures (normalized before storage) and abuse-report
// photos. Message content never lands here; file sharing is peer-to-peer.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// Sentinel errors for the media package.
var (
	ErrNotFound    = errors.New("media object not found")
	ErrNotAnImage  = errors.New("data is not a decodable image")
	ErrTooLarge    = errors.New("image exceeds the size limit")
)

// maxUploadBytes bounds accepted picture uploads.
const maxUploadBytes = 10 << 20

// pictureSize is the bounding box pictures are fitted into.
const pictureSize = 512

// Store writes media files under a base directory. Keys are
// "<category>/<uuid>.jpg"; the UUID provides enough entropy that serving them
// without per-object authorization is acceptable.
type Store struct {
	basePath string
}

// NewStore creates the store and its directory structure.
func NewStore(basePath string) (*Store, error) {
	for _, sub := range []string{"pictures", "reports"} {
		if err := os.MkdirAll(filepath.Join(basePath, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	return &Store{basePath: basePath}, nil
}

// SavePicture normalizes an uploaded picture (decode, fit into a 512px box,
// re-encode as JPEG) and stores it, returning the storage key. Re-encoding
// also strips any metadata the original carried.
func (s *Store) SavePicture(data []byte) (string, error) {
	return s.saveImage("pictures", data)
}

// SaveReportPhoto stores an abuse-report photo, normalized the same way.
func (s *Store) SaveReportPhoto(data []byte) (string, error) {
	return s.saveImage("reports", data)
}

func (s *Store) saveImage(category string, data []byte) (string, error) {
	if len(data) > maxUploadBytes {
		return "", ErrTooLarge
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", ErrNotAnImage
	}

	fitted := imaging.Fit(img, pictureSize, pictureSize, imaging.Lanczos)

	key := category + "/" + uuid.NewString() + ".jpg"
	f, err := os.Create(s.path(key))
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := imaging.Encode(f, fitted, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		_ = os.Remove(s.path(key))
		return "", fmt.Errorf("encode picture: %w", err)
	}
	return key, nil
}

// Open returns a reader for a stored object.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	if !validKey(key) {
		return nil, ErrNotFound
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open media file: %w", err)
	}
	return f, nil
}

// Delete removes a stored object. Deleting an absent object is not an error.
func (s *Store) Delete(key string) error {
	if !validKey(key) {
		return nil
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete media file: %w", err)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

// validKey rejects traversal attempts and foreign categories.
func validKey(key string) bool {
	if strings.Contains(key, "..") {
		return false
	}
	return strings.HasPrefix(key, "pictures/") || strings.HasPrefix(key, "reports/")
}
