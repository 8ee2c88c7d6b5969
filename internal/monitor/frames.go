package monitor

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/image/draw"
)

const (
	FrameWidth  = 800
	FrameHeight = 450

	DefaultSampleEvery = 30
)

// Frame is one decoded video frame in capture order. Index starts at 1.
type Frame struct {
	Index int
	Name  string
	Image image.Image
}

// FrameSource yields frames in order until it is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (Frame, bool, error)
}

// FrameError reports a frame file that could not be read. The source stays
// usable and the next call moves on to the following frame.
type FrameError struct {
	Index int
	Name  string
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

var frameExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// DirSource reads frames that an external decoder extracted into a
// directory, ordered by file name.
type DirSource struct {
	paths []string
	pos   int
}

func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !frameExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return &DirSource{paths: paths}, nil
}

func (s *DirSource) Len() int {
	return len(s.paths)
}

func (s *DirSource) Next(ctx context.Context) (Frame, bool, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, false, err
	}
	if s.pos >= len(s.paths) {
		return Frame{}, false, nil
	}

	path := s.paths[s.pos]
	s.pos++

	img, err := decodeFile(path)
	if err != nil {
		return Frame{}, false, &FrameError{Index: s.pos, Name: filepath.Base(path), Err: err}
	}
	return Frame{Index: s.pos, Name: filepath.Base(path), Image: img}, true, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// Sampled reports whether the frame at index is one of every n frames.
func Sampled(index, n int) bool {
	if n <= 1 {
		return true
	}
	return index%n == 0
}

func Resize(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

// SaveFrame resizes a frame to the analysis resolution and writes it as
// JPEG under dir.
func SaveFrame(dir string, frame Frame, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create frame folder: %w", err)
	}

	name := fmt.Sprintf("frame_%s_%05d.jpg", at.Format("2006-01-02_15-04-05"), frame.Index)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create frame file: %w", err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, Resize(frame.Image, FrameWidth, FrameHeight), &jpeg.Options{Quality: 90}); err != nil {
		return "", fmt.Errorf("failed to encode frame: %w", err)
	}
	return path, nil
}
