package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileSink appends records as JSON lines, rotating the file when it grows
// past the configured size.
type FileSink struct {
	path       string
	rotateSize int64

	mu      sync.Mutex
	f       *os.File
	written int64
}

// NewFileSink opens (or creates) path for appending. rotateSizeMB of 0
// disables rotation.
func NewFileSink(path string, rotateSizeMB int) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("file sink requires a path")
	}
	s := &FileSink{path: path, rotateSize: int64(rotateSizeMB) * 1024 * 1024}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	s.f = f
	s.written = info.Size()
	return nil
}

func (s *FileSink) Write(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rotateSize > 0 && s.written+int64(len(data)) > s.rotateSize {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := s.f.Write(data)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// rotateLocked renames the current file with a timestamp suffix and starts
// a fresh one. Callers must hold s.mu.
func (s *FileSink) rotateLocked() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close for rotation: %w", err)
	}
	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, rotated); err != nil {
		return fmt.Errorf("rotate %s: %w", s.path, err)
	}
	return s.open()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

var _ Sink = (*FileSink)(nil)
