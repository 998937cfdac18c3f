package outbox

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// mirror is the optional on-disk copy of the outbox: append-only encoded
// events, each followed by a "published" tombstone marker line once the
// publish loop has successfully sent it (spec §5 "Persisted state
// layout": "outbox mirror is append-only encoded events with tombstone
// markers for successful publishes"). On restart, openMirror replays
// every event that was appended but never marked published.
type mirror struct {
	mu   sync.Mutex
	file *os.File
	path string
}

const (
	mirrorLinePrefixEvent     = "E "
	mirrorLinePrefixPublished = "P"
)

func openMirror(dir string) (*mirror, []Record, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create outbox dir: %w", err)
	}
	path := filepath.Join(dir, "outbox.log")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open outbox mirror: %w", err)
	}

	records, err := readMirror(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	return &mirror{file: f, path: path}, records, nil
}

// readMirror replays the log: each "E <base64>" line enqueues a pending
// record, and the next "P" line (if present) marks the oldest pending
// record as published and removes it.
func readMirror(f *os.File) ([]Record, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}

	var pending []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case len(line) >= 2 && line[:2] == mirrorLinePrefixEvent:
			data, err := base64.StdEncoding.DecodeString(line[2:])
			if err != nil {
				continue // corrupt line: skip, matching the storage log's tolerant replay
			}
			pending = append(pending, Record{EncodedBytes: data})
		case line == mirrorLinePrefixPublished:
			if len(pending) > 0 {
				pending = pending[1:]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, 2); err != nil {
		return nil, err
	}
	return pending, nil
}

func (m *mirror) append(encoded []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	line := mirrorLinePrefixEvent + base64.StdEncoding.EncodeToString(encoded) + "\n"
	if _, err := m.file.WriteString(line); err != nil {
		return err
	}
	return m.file.Sync()
}

func (m *mirror) markPublished() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.file.WriteString(mirrorLinePrefixPublished + "\n"); err != nil {
		return err
	}
	return m.file.Sync()
}

func (m *mirror) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}
