// Package artifact manages the per-job directories that hold a job's input
// text and its generated images.
package artifact

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

const inputFile = "text.txt"

var (
	ErrInvalidID    = errors.New("artifact: invalid job id")
	ErrNotFound     = errors.New("artifact: not found")
	ErrInvalidImage = errors.New("artifact: invalid image payload")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// ValidID reports whether id can be used as a directory name under the root.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && id != "." && id != ".."
}

// Entry is one job directory found under the root.
type Entry struct {
	ID      string
	ModTime time.Time
}

// FileStore persists job artifacts onto the local filesystem, one directory per job.
type FileStore struct {
	root  string
	image config.ImageConfig
}

// NewFileStore initializes a FileStore rooted at root.
func NewFileStore(root string, img config.ImageConfig) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("artifact: root path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: ensure root: %w", err)
	}
	return &FileStore{root: root, image: img}, nil
}

// Root returns the configured root directory.
func (s *FileStore) Root() string {
	return s.root
}

// ImageCount is the number of images every finished job must have.
func (s *FileStore) ImageCount() int {
	return s.image.Count
}

func (s *FileStore) dir(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.root, id), nil
}

// ImageName is the file name of the image at index.
func ImageName(index int) string {
	return fmt.Sprintf("img_%d.png", index)
}

// WriteInput stores the submitted text, creating the job directory.
func (s *FileStore) WriteInput(ctx context.Context, id, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: ensure job dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, inputFile), func(w io.Writer) error {
		_, err := io.WriteString(w, text)
		return err
	})
}

// ReadInput returns the stored input text.
func (s *FileStore) ReadInput(id string) (string, error) {
	dir, err := s.dir(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, inputFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("artifact: read input: %w", err)
	}
	return string(data), nil
}

// ValidateImages checks that the payload has the expected count and every
// image is a flattened HxWx3 buffer.
func (s *FileStore) ValidateImages(images []models.Pixels) error {
	if len(images) != s.image.Count {
		return fmt.Errorf("%w: expected %d images, got %d", ErrInvalidImage, s.image.Count, len(images))
	}
	want := s.image.Bytes()
	for i, img := range images {
		if len(img) != want {
			return fmt.Errorf("%w: image %d has %d bytes, expected %d", ErrInvalidImage, i, len(img), want)
		}
	}
	return nil
}

// WriteImages encodes each image as PNG into the job directory.
func (s *FileStore) WriteImages(ctx context.Context, id string, images []models.Pixels) error {
	staged, err := s.StageImages(ctx, id, images)
	if err != nil {
		return err
	}
	return staged.Commit()
}

// Staged is a set of encoded images held in a private directory inside the
// job directory. Nothing is visible to readers until Commit.
type Staged struct {
	dir   string
	final string
	count int
}

// StageImages validates and encodes images without touching the files
// readers see. The caller must Commit or Discard the result.
func (s *FileStore) StageImages(ctx context.Context, id string, images []models.Pixels) (*Staged, error) {
	if err := s.ValidateImages(images); err != nil {
		return nil, err
	}
	dir, err := s.dir(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: ensure job dir: %w", err)
	}
	tmp, err := os.MkdirTemp(dir, ".staging-*")
	if err != nil {
		return nil, fmt.Errorf("artifact: create staging dir: %w", err)
	}

	for i, px := range images {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(tmp)
			return nil, err
		}
		img := toRGBA(px, s.image.Width, s.image.Height)
		err := writeFileAtomic(filepath.Join(tmp, ImageName(i)), func(w io.Writer) error {
			return png.Encode(w, img)
		})
		if err != nil {
			os.RemoveAll(tmp)
			return nil, fmt.Errorf("artifact: write image %d: %w", i, err)
		}
	}
	return &Staged{dir: tmp, final: dir, count: len(images)}, nil
}

// Commit moves the staged images into the job directory.
func (st *Staged) Commit() error {
	defer os.RemoveAll(st.dir)
	for i := 0; i < st.count; i++ {
		name := ImageName(i)
		if err := os.Rename(filepath.Join(st.dir, name), filepath.Join(st.final, name)); err != nil {
			return fmt.Errorf("artifact: commit image %d: %w", i, err)
		}
	}
	return nil
}

// Discard drops the staged images.
func (st *Staged) Discard() error {
	if err := os.RemoveAll(st.dir); err != nil {
		return fmt.Errorf("artifact: discard staged images: %w", err)
	}
	return nil
}

// ImagesReady reports whether every expected image exists for id. A missing
// directory is simply not ready.
func (s *FileStore) ImagesReady(id string) bool {
	dir, err := s.dir(id)
	if err != nil {
		return false
	}
	for i := 0; i < s.image.Count; i++ {
		info, err := os.Stat(filepath.Join(dir, ImageName(i)))
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}

// OpenImage opens the image at index for reading. The caller closes it.
func (s *FileStore) OpenImage(id string, index int) (*os.File, error) {
	if index < 0 || index >= s.image.Count {
		return nil, fmt.Errorf("%w: image index %d", ErrNotFound, index)
	}
	dir, err := s.dir(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, ImageName(index)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: open image: %w", err)
	}
	return f, nil
}

// WriteArchive streams a zip of the input text and all images to w.
func (s *FileStore) WriteArchive(ctx context.Context, id string, w io.Writer) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	names := []string{inputFile}
	for i := 0; i < s.image.Count; i++ {
		names = append(names, ImageName(i))
	}

	zw := zip.NewWriter(w)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addToZip(zw, filepath.Join(dir, name), name); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("artifact: finish archive: %w", err)
	}
	return nil
}

func addToZip(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("artifact: open %s: %w", name, err)
	}
	defer f.Close()

	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("artifact: add %s: %w", name, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("artifact: copy %s: %w", name, err)
	}
	return nil
}

// Remove deletes the job directory. Removing a missing directory is not an error.
func (s *FileStore) Remove(id string) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("artifact: remove %s: %w", id, err)
	}
	return nil
}

// List returns every job directory under the root. Stray files and names
// that are not valid ids are skipped.
func (s *FileStore) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("artifact: list root: %w", err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() || !ValidID(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, Entry{ID: de.Name(), ModTime: info.ModTime()})
	}
	return out, nil
}

func toRGBA(px models.Pixels, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i+2 < len(px); i, j = i+3, j+4 {
		img.Pix[j] = px[i]
		img.Pix[j+1] = px[i+1]
		img.Pix[j+2] = px[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// writeFileAtomic writes through a temp file in the same directory and
// renames it into place, so readers never see a partial file.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("artifact: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifact: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifact: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifact: rename: %w", err)
	}
	return nil
}
