package storage

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// wal is an append-only log of {entry, sha256(entry)} records. Every
// record is durably written (fsync'd) before the in-memory map is
// mutated, so a crash never loses an acknowledged write. A corrupt or
// truncated tail record is skipped on load rather than failing startup —
// the most that can be lost is the last unflushed write.
type wal struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	flock    *flock.Flock
	skipped  int // corrupt records dropped on the last load
}

type walRecord struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	TimestampMs int64  `json:"timestamp_ms"`
	NodeID      string `json:"node_id"`
	Seq         int64  `json:"seq"`
	Tombstone   bool   `json:"tombstone"`
	Checksum    string `json:"checksum"`
}

func recordChecksum(r walRecord) string {
	r.Checksum = ""
	data, _ := json.Marshal(r)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func entryToRecord(e Entry) walRecord {
	r := walRecord{
		Key: e.Key, Value: e.Value, TimestampMs: e.TimestampMs,
		NodeID: e.NodeID, Seq: e.Seq, Tombstone: e.IsTombstone,
	}
	r.Checksum = recordChecksum(r)
	return r
}

func recordToEntry(r walRecord) Entry {
	return Entry{
		Key: r.Key, Value: r.Value, TimestampMs: r.TimestampMs,
		NodeID: r.NodeID, Seq: r.Seq, IsTombstone: r.Tombstone,
	}
}

// openWAL opens (creating if needed) the log at dir/wal.log under an
// advisory lock, so two processes never share one storage directory, and
// returns the records needed to replay prior state.
func openWAL(dir string) (*wal, []Entry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create storage dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "wal.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("lock storage dir: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("storage dir %s is already locked by another process", dir)
	}

	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, fmt.Errorf("open wal: %w", err)
	}

	w := &wal{file: f, path: path, flock: lock}
	entries, skipped, err := w.readAll()
	if err != nil {
		_ = f.Close()
		_ = lock.Unlock()
		return nil, nil, err
	}
	w.skipped = skipped
	return w, entries, nil
}

func (w *wal) append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(entryToRecord(e))
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := w.file.Write(data); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *wal) readAll() ([]Entry, int, error) {
	if _, err := w.file.Seek(0, 0); err != nil {
		return nil, 0, err
	}

	var entries []Entry
	skipped := 0
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r walRecord
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			continue
		}
		want := r.Checksum
		if recordChecksum(r) != want {
			skipped++
			continue
		}
		entries = append(entries, recordToEntry(r))
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, err
	}
	if _, err := w.file.Seek(0, 2); err != nil {
		return nil, skipped, err
	}
	return entries, skipped, nil
}

// compact rewrites the log to hold exactly the records in snapshot,
// dropping superseded and garbage-collected history. The new log is
// built in a temp file and atomically renamed over the old one so a
// crash mid-compaction can never leave a half-written log.
func (w *wal) compact(snapshot map[string]Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tmpPath := w.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	writer := bufio.NewWriter(tmp)
	for _, e := range snapshot {
		data, err := json.Marshal(entryToRecord(e))
		if err != nil {
			_ = tmp.Close()
			return err
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	return nil
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.file.Close()
	if unlockErr := w.flock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}
