package ingest

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"sshsentry/internal/model"
)

const defaultRotateGrace = 5 * time.Second

// FileSource tails a log file from its end. Rotation is followed: a truncated
// file is re-read from the start and a renamed or removed file is replaced by
// whatever appears at the same path. If nothing reappears within the grace
// period the source fails with ErrSourceClosed.
type FileSource struct {
	path    string
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	partial string

	watcher      *fsnotify.Watcher
	pending      bool
	missingSince time.Time
	rotateGrace  time.Duration
	logger       *slog.Logger
}

func OpenFile(path string, logger *slog.Logger) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}
	s := &FileSource{
		path:        path,
		file:        f,
		reader:      bufio.NewReader(f),
		offset:      pos,
		rotateGrace: defaultRotateGrace,
		logger:      logger,
	}
	w, err := fsnotify.NewWatcher()
	if err == nil {
		if err = w.Add(path); err != nil {
			_ = w.Close()
			w = nil
		}
	}
	if err != nil && logger != nil {
		logger.Warn("file watch unavailable, falling back to stat polling", "path", path, "err", err)
	}
	s.watcher = w
	return s, nil
}

func (s *FileSource) Kind() model.SourceKind {
	return model.SourceFile
}

func (s *FileSource) Path() string {
	return s.path
}

func (s *FileSource) Next() (string, bool, error) {
	for {
		chunk, err := s.reader.ReadString('\n')
		s.offset += int64(len(chunk))
		if err == nil {
			line := s.partial + chunk
			s.partial = ""
			return strings.TrimRight(line, "\r\n"), true, nil
		}
		if err != io.EOF {
			return "", false, fmt.Errorf("%w: read %s: %v", ErrSourceClosed, s.path, err)
		}
		s.partial += chunk
		switched, err := s.checkRotation()
		if err != nil {
			return "", false, err
		}
		if !switched {
			return "", false, nil
		}
	}
}

// checkRotation runs at EOF. It reports true when the source now points at
// new content and reading should be retried immediately.
func (s *FileSource) checkRotation() (bool, error) {
	if !s.drainEvents() {
		return false, nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if s.missingSince.IsZero() {
			s.missingSince = time.Now()
			if s.logger != nil {
				s.logger.Info("auth log missing, waiting for it to reappear", "path", s.path)
			}
		}
		s.pending = true
		if time.Since(s.missingSince) > s.rotateGrace {
			return false, fmt.Errorf("%w: %s: %v", ErrSourceClosed, s.path, err)
		}
		return false, nil
	}
	s.missingSince = time.Time{}
	s.pending = false

	current, err := s.file.Stat()
	if err != nil || !os.SameFile(current, info) {
		return true, s.reopen()
	}
	if info.Size() < s.offset {
		if s.logger != nil {
			s.logger.Info("auth log truncated, reading from start", "path", s.path)
		}
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return false, fmt.Errorf("%w: seek %s: %v", ErrSourceClosed, s.path, err)
		}
		s.reader.Reset(s.file)
		s.offset = 0
		s.partial = ""
		return true, nil
	}
	return false, nil
}

// drainEvents consumes queued watcher events and reports whether the file
// needs to be stat'ed. Without a watcher every EOF is checked.
func (s *FileSource) drainEvents() bool {
	if s.watcher == nil {
		return true
	}
	need := s.pending
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				s.watcher = nil
				return true
			}
			if ev.Op != 0 {
				need = true
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.watcher = nil
				return true
			}
			if s.logger != nil {
				s.logger.Warn("file watch error", "path", s.path, "err", err)
			}
			need = true
		default:
			return need
		}
	}
}

func (s *FileSource) reopen() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: reopen %s: %v", ErrSourceClosed, s.path, err)
	}
	_ = s.file.Close()
	s.file = f
	s.reader.Reset(f)
	s.offset = 0
	s.partial = ""
	if s.watcher != nil {
		_ = s.watcher.Remove(s.path)
		if err := s.watcher.Add(s.path); err != nil && s.logger != nil {
			s.logger.Warn("file watch re-add failed", "path", s.path, "err", err)
		}
	}
	if s.logger != nil {
		s.logger.Info("auth log rotated, reopened", "path", s.path)
	}
	return nil
}

func (s *FileSource) Close() error {
	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
