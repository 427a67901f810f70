// Package tempstore stages uploaded audio on local disk until a request is done with it.
package tempstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voxscribe/internal/models"
)

const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = 10 * time.Minute

	maxNameLength = 120
	sniffLength   = 512
)

var ErrTooLarge = errors.New("upload exceeds size limit")

// Store stages blobs under a single directory. Names are prefixed with a random uuid so
// concurrent uploads of the same file never collide.
type Store struct {
	dir      string
	maxBytes int64
	log      zerolog.Logger
}

// New creates the staging directory if needed. maxBytes <= 0 disables the size check.
func New(dir string, maxBytes int64, log zerolog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("temp dir is required")
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve temp dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir %s: %w", absDir, err)
	}
	return &Store{dir: absDir, maxBytes: maxBytes, log: log}, nil
}

// Dir returns the absolute staging directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save copies src to a fresh file. An empty mimeType is filled in by sniffing the content.
func (s *Store) Save(ctx context.Context, src io.Reader, originalName, mimeType string) (*models.UploadedAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sample := make([]byte, sniffLength)
	n, err := io.ReadFull(src, sample)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	sample = sample[:n]
	if mimeType == "" {
		mimeType = http.DetectContentType(sample)
	}

	storedName := uuid.NewString() + "-" + sanitizeName(originalName)
	path := filepath.Join(s.dir, storedName)
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}

	fail := func(err error) (*models.UploadedAudio, error) {
		out.Close()
		os.Remove(path)
		return nil, err
	}

	reader := io.MultiReader(bytes.NewReader(sample), src)
	if s.maxBytes > 0 {
		reader = io.LimitReader(reader, s.maxBytes+1)
	}
	written, err := io.Copy(out, reader)
	if err != nil {
		return fail(fmt.Errorf("write staged file: %w", err))
	}
	if s.maxBytes > 0 && written > s.maxBytes {
		return fail(ErrTooLarge)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close staged file: %w", err)
	}

	return &models.UploadedAudio{
		StoredName:   storedName,
		StoragePath:  path,
		OriginalName: originalName,
		MimeType:     mimeType,
		SizeBytes:    written,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Open returns a reader over the staged blob.
func (s *Store) Open(audio *models.UploadedAudio) (io.ReadCloser, error) {
	if audio == nil {
		return nil, errors.New("no staged audio")
	}
	f, err := os.Open(audio.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open staged file: %w", err)
	}
	return f, nil
}

// Delete removes the staged blob. Deleting an already missing file is not an error.
func (s *Store) Delete(audio *models.UploadedAudio) error {
	if audio == nil {
		return nil
	}
	if err := os.Remove(audio.StoragePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staged file %s: %w", audio.StoredName, err)
	}
	return nil
}

// Sweep removes staged files older than ttl and reports how many were deleted.
func (s *Store) Sweep(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("file", entry.Name()).Msg("remove stale upload failed")
			continue
		}
		removed++
	}
	return removed, nil
}

// StartJanitor sweeps abandoned uploads (left by a crash mid-request) until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	go s.janitorLoop(ctx, interval, ttl)
}

func (s *Store) janitorLoop(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ttl)
			if err != nil {
				s.log.Error().Err(err).Msg("sweep temp files")
				continue
			}
			if n > 0 {
				s.log.Info().Int("removed", n).Msg("swept stale uploads")
			}
		}
	}
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" || out == "_" {
		out = "audio"
	}
	if len(out) > maxNameLength {
		out = out[len(out)-maxNameLength:]
	}
	return out
}
