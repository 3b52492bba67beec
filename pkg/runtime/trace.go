package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// TraceWriter appends events to a JSONL trace file.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
}

// NewTraceWriter creates a trace writer that appends to the given file.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &TraceWriter{file: f, writer: w, enc: json.NewEncoder(w)}, nil
}

// Write appends one event and syncs it to disk.
func (tw *TraceWriter) Write(event TraceEvent) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.enc.Encode(event); err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("flush trace: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("sync trace: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.writer.Flush(); err != nil {
		return err
	}
	return tw.file.Close()
}

// ReadTrace loads every event of a trace file.
func ReadTrace(path string) ([]TraceEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	var events []TraceEvent
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev TraceEvent
		if err := dec.Decode(&ev); err != nil {
			return events, fmt.Errorf("decode trace event %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
