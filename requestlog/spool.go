package requestlog

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/apitally/apitally-go/internal/agentlog"
)

const (
	maxFilesInSpool = 50
	maxFileSize     = 1_000_000
)

// spoolFile is one closed, gzip-compressed file of newline-delimited
// JSON records awaiting upload.
type spoolFile struct {
	uuid string
	path string
}

// spool manages an open gzip-compressed file that request log records
// are appended to, plus a bounded deque of closed files awaiting
// upload. Rotation happens when the open file's written byte count
// passes maxFileSize; retention drops the oldest closed file once the
// deque exceeds maxFilesInSpool.
type spool struct {
	mu  sync.Mutex
	dir string

	openFile  *os.File
	openGzip  *gzip.Writer
	openBytes int64 // uncompressed bytes written; a proxy for compressed size that avoids flushing on every write

	closed []spoolFile
}

func newSpool(dir string) *spool {
	return &spool{dir: dir}
}

func (s *spool) ensureOpen() error {
	if s.openFile != nil {
		return nil
	}
	f, err := os.CreateTemp(s.dir, "apitally-log-*.jsonl.gz")
	if err != nil {
		return err
	}
	s.openFile = f
	s.openGzip = gzip.NewWriter(f)
	s.openBytes = 0
	return nil
}

// write appends one newline-terminated record to the current file.
func (s *spool) write(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	n, err := s.openGzip.Write(record)
	if err != nil {
		return err
	}
	if _, err := s.openGzip.Write([]byte{'\n'}); err != nil {
		return err
	}
	s.openBytes += int64(n) + 1
	return nil
}

// rotate closes the current file (if any and non-empty) into the
// closed deque, dropping the oldest closed file(s) past the retention
// bound, and deleting their contents from disk.
func (s *spool) rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateLocked()
}

func (s *spool) rotateLocked() {
	if s.openFile == nil {
		return
	}
	if err := s.openGzip.Close(); err != nil {
		agentlog.Component("requestlog").Warnw("closing spool gzip writer", "error", err)
	}
	name := s.openFile.Name()
	if err := s.openFile.Close(); err != nil {
		agentlog.Component("requestlog").Warnw("closing spool file", "error", err)
	}

	empty := s.openBytes == 0
	s.openFile = nil
	s.openGzip = nil
	s.openBytes = 0

	if empty {
		_ = os.Remove(name)
		return
	}

	s.closed = append(s.closed, spoolFile{uuid: uuid.NewString(), path: name})
	s.enforceRetentionLocked()
}

func (s *spool) enforceRetentionLocked() {
	for len(s.closed) > maxFilesInSpool {
		dropped := s.closed[0]
		s.closed = s.closed[1:]
		_ = os.Remove(dropped.path)
	}
}

// rotateIfOversize rotates the open file once openBytes (the
// uncompressed byte count) reaches maxFileSize.
func (s *spool) rotateIfOversize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openFile != nil && s.openBytes >= maxFileSize {
		s.rotateLocked()
	}
}

// pop removes and returns the oldest closed file's raw compressed
// bytes, deleting it from disk. Returns ok=false if the deque is
// empty.
func (s *spool) pop() (id string, data []byte, ok bool) {
	s.mu.Lock()
	if len(s.closed) == 0 {
		s.mu.Unlock()
		return "", nil, false
	}
	f := s.closed[0]
	s.closed = s.closed[1:]
	s.mu.Unlock()

	data, err := os.ReadFile(f.path)
	_ = os.Remove(f.path)
	if err != nil {
		return "", nil, false
	}
	return f.uuid, data, true
}

// pushFront re-queues a file at the front of the closed deque, used
// when an upload fails transiently and must be retried before newer
// files.
func (s *spool) pushFront(id string, data []byte) error {
	path := filepath.Join(s.dir, "apitally-log-retry-"+id+".jsonl.gz")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = append([]spoolFile{{uuid: id, path: path}}, s.closed...)
	s.enforceRetentionLocked()
	s.mu.Unlock()
	return nil
}

// count returns the number of closed files awaiting upload.
func (s *spool) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closed)
}

// clear rotates and deletes every file, open or closed.
func (s *spool) clear() {
	s.mu.Lock()
	s.rotateLocked()
	for _, f := range s.closed {
		_ = os.Remove(f.path)
	}
	s.closed = nil
	s.mu.Unlock()
}
