// Package archive keeps an append-only JSONL record of inbound frames.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Frame is one archived inbound frame. Raw is kept as text because malformed
// frames are archived too.
type Frame struct {
	Seq      int64     `json:"seq"`
	Kind     string    `json:"kind"`
	ThreadID string    `json:"thread_id,omitempty"`
	At       time.Time `json:"at"`
	Raw      string    `json:"raw"`
}

// FrameLog appends frames to a single JSONL file.
type FrameLog struct {
	path string
	mu   sync.Mutex
	seq  int64 // last assigned sequence, -1 until counted
}

// NewFrameLog creates a frame log at the given file path.
func NewFrameLog(path string) *FrameLog {
	return &FrameLog{path: path, seq: -1}
}

// Path returns the file path used by this log.
func (l *FrameLog) Path() string {
	return l.path
}

// count reads the file and counts lines. Caller must hold the lock.
func (l *FrameLog) count() (int64, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open frames file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan frames file: %w", err)
	}
	return count, nil
}

// Record appends a raw frame with the next sequence number.
func (l *FrameLog) Record(kind, threadID string, raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create frames dir: %w", err)
	}
	if l.seq < 0 {
		n, err := l.count()
		if err != nil {
			return err
		}
		l.seq = n
	}

	frame := Frame{
		Seq:      l.seq + 1,
		Kind:     kind,
		ThreadID: threadID,
		At:       time.Now(),
		Raw:      string(raw),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open frames file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	l.seq = frame.Seq
	return nil
}

// Tail returns the last limit frames.
func (l *FrameLog) Tail(limit int) ([]*Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open frames file: %w", err)
	}
	defer f.Close()

	var frames []*Frame
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var frame Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return nil, fmt.Errorf("unmarshal frame: %w", err)
		}
		frames = append(frames, &frame)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan frames file: %w", err)
	}

	if limit > 0 && len(frames) > limit {
		frames = frames[len(frames)-limit:]
	}
	return frames, nil
}

// Count returns the number of archived frames.
func (l *FrameLog) Count() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count()
}
