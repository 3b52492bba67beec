package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JSONL appends entries to a JSON-lines file, flushing and syncing after
// every record.
type JSONL struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
}

// OpenJSONL creates a sink that appends to path.
func OpenJSONL(path string) (*JSONL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	w := bufio.NewWriter(f)
	return &JSONL{file: f, writer: w, enc: json.NewEncoder(w)}, nil
}

// Record appends e as one line.
func (j *JSONL) Record(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(Stamp(e, time.Now())); err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush audit log: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}
