package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFilename is the audit log filename inside the state directory.
const DefaultFilename = "audit.jsonl"

// DefaultMaxRecords bounds the audit log when no limit is configured.
const DefaultMaxRecords = 5000

// maxLineSize is the largest audit record the reader accepts.
const maxLineSize = 1024 * 1024

// FileLog appends entries as JSON lines. Every append is fsynced before it
// returns. Writers in this process serialise on a mutex; writers in other
// processes serialise on an advisory lock of the file itself.
type FileLog struct {
	path       string
	maxRecords int

	mu sync.Mutex
	// count and size describe the file as this process last left it. A size
	// mismatch means another process wrote in between and count is stale.
	count int
	size  int64
}

// NewFileLog opens (creating if needed) the audit log at path. A
// maxRecords of zero or less selects DefaultMaxRecords.
func NewFileLog(path string, maxRecords int) (*FileLog, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	// Use 0600 permissions: entries describe what ran on this machine
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close audit log: %w", err)
	}

	return &FileLog{
		path:       path,
		maxRecords: maxRecords,
		count:      -1,
	}, nil
}

// Path returns the path to the audit log file.
func (l *FileLog) Path() string {
	return l.path
}

// MaxRecords returns the trim threshold.
func (l *FileLog) MaxRecords() int {
	return l.maxRecords
}

// Append writes one entry and trims the file once it exceeds MaxRecords,
// dropping the oldest records first.
func (l *FileLog) Append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = file.Close() }()

	if err := lockFile(file); err != nil {
		return fmt.Errorf("failed to lock audit log: %w", err)
	}
	defer func() { _ = unlockFile(file) }()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	if l.count < 0 || info.Size() != l.size {
		n, err := countLines(file)
		if err != nil {
			return err
		}
		l.count = n
	}

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	l.count++
	l.size = info.Size() + int64(len(data))

	if l.count > l.maxRecords {
		if err := l.trim(file); err != nil {
			return err
		}
	}
	return nil
}

// trim keeps the newest 90% of maxRecords. It rewrites the file in place
// so the advisory lock held by the caller stays valid for other processes.
func (l *FileLog) trim(file *os.File) error {
	keep := l.maxRecords - l.maxRecords/10
	if keep < 1 {
		keep = 1
	}

	lines, err := readLines(file)
	if err != nil {
		return err
	}
	if len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate audit log: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to rewrite audit log: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	l.count = len(lines)
	l.size = int64(buf.Len())
	return nil
}

// Close is a no-op; the file is opened per append.
func (l *FileLog) Close() error {
	return nil
}

func countLines(file *os.File) (int, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek audit log: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}
	return n, nil
}

func readLines(file *os.File) ([][]byte, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek audit log: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var lines [][]byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return lines, nil
}
