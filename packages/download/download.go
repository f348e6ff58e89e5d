// Package download stores image files under a sharded directory tree.
package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/barasher/go-exiftool"

	"harvester/packages/domain"
	"harvester/packages/fetcher"
)

// ShardedPath places the file named by imageURL under base/<seg1>/.../<segN>/<filename>,
// where the segments are the first segments*width characters of the filename cut into
// width-sized pieces. Short filenames get as many whole segments as they hold.
func ShardedPath(base, imageURL string, segments, width int) (string, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", fmt.Errorf("parse image url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("image url %q has no filename", imageURL)
	}

	parts := []string{base}
	if width > 0 {
		for i := 0; i < segments && (i+1)*width <= len(name); i++ {
			parts = append(parts, name[i*width:(i+1)*width])
		}
	}
	parts = append(parts, name)
	return filepath.Join(parts...), nil
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetcher.Response, error)
}

// Tagger writes descriptive metadata into a stored file.
type Tagger interface {
	Tag(filePath, title string, keywords []string) error
}

type Config struct {
	BaseDir  string
	Segments int
	Width    int
}

type Downloader struct {
	fetcher Fetcher
	cfg     Config
	tagger  Tagger
}

// New returns a Downloader; tagger may be nil.
func New(f Fetcher, cfg Config, tagger Tagger) *Downloader {
	return &Downloader{fetcher: f, cfg: cfg, tagger: tagger}
}

// Download stores img's file and returns its path. A file that already exists is left alone.
func (d *Downloader) Download(ctx context.Context, img domain.EnrichedImage) (string, error) {
	dst, err := ShardedPath(d.cfg.BaseDir, img.ImageURL, d.cfg.Segments, d.cfg.Width)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dst); err == nil {
		slog.Debug("Image already downloaded", "path", dst)
		return dst, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat %s: %w", dst, err)
	}

	resp, err := d.fetcher.Fetch(ctx, img.ImageURL)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", img.ImageURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create directories: %w", err)
	}
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, resp.Body, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}

	if d.tagger != nil {
		keywords := make([]string, 0, len(img.Tags))
		for _, t := range img.Tags {
			keywords = append(keywords, t.Raw)
		}
		if err := d.tagger.Tag(dst, img.Title, keywords); err != nil {
			slog.Warn("Failed to write image metadata", "path", dst, "error", err)
		}
	}
	return dst, nil
}

// ExifTagger writes IPTC and XMP fields through a running exiftool process.
type ExifTagger struct {
	et *exiftool.Exiftool
}

func NewExifTagger() (*ExifTagger, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("start exiftool: %w", err)
	}
	return &ExifTagger{et: et}, nil
}

func (t *ExifTagger) Tag(filePath, title string, keywords []string) error {
	fm := exiftool.EmptyFileMetadata()
	fm.File = filePath
	if title != "" {
		fm.SetString("IPTC:ObjectName", title)
	}
	if len(keywords) > 0 {
		fm.SetStrings("IPTC:Keywords", keywords)
		fm.SetStrings("XMP:Subject", keywords)
	}
	fm.SetString("-overwrite_original", "")

	batch := []exiftool.FileMetadata{fm}
	t.et.WriteMetadata(batch)
	return batch[0].Err
}

func (t *ExifTagger) Close() error {
	return t.et.Close()
}
