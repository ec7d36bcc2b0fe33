// Package photos stores job photos content-addressed by SHA-256, with JPEG
// thumbnails generated on write.
package photos

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image/jpeg"
	"log"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

type Store struct {
	baseDir   string
	thumbSize int
}

func NewStore(baseDir string, thumbSize int) (*Store, error) {
	if thumbSize < 16 {
		thumbSize = 320
	}
	for _, dir := range []string{baseDir, filepath.Join(baseDir, "thumbs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create photo directory: %w", err)
		}
	}
	return &Store{baseDir: baseDir, thumbSize: thumbSize}, nil
}

// Save writes the photo under its content hash. Identical bytes are stored
// once; the returned hash is stable across retries.
func (s *Store) Save(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("invalid photo: empty file")
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.baseDir, hash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %w", err)
	}

	path := filepath.Join(dir, hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp, err := os.CreateTemp(dir, "photo-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write photo: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close photo: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to commit photo: %w", err)
	}

	// The full-size photo is the record; a failed thumbnail is not fatal.
	if err := s.writeThumbnail(hash, data); err != nil {
		log.Printf("[photos] thumbnail for %s: %v", hash, err)
	}
	return hash, nil
}

func (s *Store) writeThumbnail(hash string, data []byte) error {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to decode photo for thumbnail: %w", err)
	}

	thumb := imaging.Fit(img, s.thumbSize, s.thumbSize, imaging.Lanczos)

	out, err := os.Create(s.ThumbnailPath(hash))
	if err != nil {
		return fmt.Errorf("failed to create thumbnail: %w", err)
	}
	defer out.Close()

	if err := jpeg.Encode(out, thumb, &jpeg.Options{Quality: 82}); err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return nil
}

func (s *Store) Path(hash string) string {
	return filepath.Join(s.baseDir, hash[:2], hash)
}

func (s *Store) ThumbnailPath(hash string) string {
	return filepath.Join(s.baseDir, "thumbs", hash+".jpg")
}

func (s *Store) Read(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to read photo %s: %w", hash, err)
	}
	return data, nil
}
