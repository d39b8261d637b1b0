package upload

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Image is an upload that passed validation and was written to scratch storage.
type Image struct {
	Filename string
	MIMEType string
	Size     int64
	Path     string
}

// Open returns a reader over the stored bytes.
func (img *Image) Open() (*os.File, error) {
	return os.Open(img.Path)
}

// Scratch stores uploads under a single directory, one uniquely named file per upload.
type Scratch struct {
	dir string
}

// NewScratch creates dir if needed.
func NewScratch(dir string) (*Scratch, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("scratch dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Scratch{dir: dir}, nil
}

// Dir returns the scratch directory.
func (s *Scratch) Dir() string {
	return s.dir
}

// Save validates the multipart file and copies it to scratch storage.
func (s *Scratch) Save(fh *multipart.FileHeader) (*Image, error) {
	mimeType := fh.Header.Get("Content-Type")
	if err := Validate(fh.Filename, mimeType); err != nil {
		return nil, err
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	img := &Image{
		Filename: filepath.Base(fh.Filename),
		MIMEType: mimeType,
		Path:     filepath.Join(s.dir, uuid.NewString()+strings.ToLower(filepath.Ext(fh.Filename))),
	}

	dst, err := os.OpenFile(img.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	n, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(img.Path)
		return nil, fmt.Errorf("write scratch file: %w", err)
	}
	img.Size = n
	return img, nil
}

// Remove deletes the stored file. A file that is already gone is not an error.
func (s *Scratch) Remove(img *Image) error {
	if img == nil || img.Path == "" {
		return nil
	}
	if err := os.Remove(img.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
