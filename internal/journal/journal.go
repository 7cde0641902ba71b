// Package journal persists an append-only record of every dispatched
// broadcast so operators can reconstruct what was sent and when.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"tableflow/syncd/internal/dispatch"
	"tableflow/syncd/internal/version"
)

// keyframeEvery controls how many broadcast records separate version
// keyframes in the snapshot stream.
const keyframeEvery = 100

// Journal streams broadcast records to a snappy-framed JSONL log and
// periodically writes zstd-compressed keyframes of the current resource
// versions alongside it.
type Journal struct {
	mu       sync.Mutex
	dir      string
	now      func() time.Time
	versions *version.Store

	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder

	sinceKeyframe int
}

type broadcastRecord struct {
	RecordedAt string          `json:"recorded_at"`
	Type       string          `json:"type"`
	MessageID  string          `json:"message_id"`
	Version    int64           `json:"version"`
	Rooms      []string        `json:"rooms,omitempty"`
	Data       json.RawMessage `json:"data"`
}

type keyframeRecord struct {
	RecordedAt string                                             `json:"recorded_at"`
	Versions   map[version.ResourceKind]map[string]version.Record `json:"versions"`
}

// New opens the journal under dir. An empty dir disables journalling and
// returns a nil journal, which every method tolerates.
func New(dir string, versions *version.Store, clock func() time.Time) (*Journal, error) {
	if dir == "" {
		return nil, nil
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventFile, err := os.OpenFile(filepath.Join(dir, "broadcasts.jsonl.sz"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	frameFile, err := os.OpenFile(filepath.Join(dir, "versions.jsonl.zst"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		eventFile.Close()
		return nil, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, err
	}

	return &Journal{
		dir:         dir,
		now:         clock,
		versions:    versions,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
	}, nil
}

// Directory exposes the directory backing the journal.
func (j *Journal) Directory() string {
	if j == nil {
		return ""
	}
	return j.dir
}

// RecordBroadcast appends one dispatched envelope to the log. Errors are
// swallowed after the write attempt; journalling never blocks dispatch.
func (j *Journal) RecordBroadcast(envelope *dispatch.Envelope, targetRooms []string) {
	if j == nil || envelope == nil {
		return
	}
	record := broadcastRecord{
		RecordedAt: j.now().UTC().Format(time.RFC3339Nano),
		Type:       envelope.Type,
		MessageID:  envelope.MessageID,
		Version:    envelope.Version,
		Rooms:      targetRooms,
		Data:       envelope.Data,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.eventStream.Write(append(line, '\n')); err != nil {
		return
	}
	_ = j.eventStream.Flush()

	j.sinceKeyframe++
	if j.sinceKeyframe >= keyframeEvery {
		j.writeKeyframeLocked()
		j.sinceKeyframe = 0
	}
}

// WriteKeyframe forces an immediate version keyframe, used at shutdown.
func (j *Journal) WriteKeyframe() {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.writeKeyframeLocked()
	j.mu.Unlock()
}

func (j *Journal) writeKeyframeLocked() {
	if j.versions == nil {
		return
	}
	frame := keyframeRecord{
		RecordedAt: j.now().UTC().Format(time.RFC3339Nano),
		Versions:   j.versions.Snapshot(),
	}
	line, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if _, err := j.frameStream.Write(append(line, '\n')); err != nil {
		return
	}
	_ = j.frameStream.Flush()
}

// Close flushes both streams and releases the file handles.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	j.writeKeyframeLocked()
	if err := j.eventStream.Close(); err != nil {
		firstErr = err
	}
	if err := j.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.frameStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.frameFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("journal close: %w", firstErr)
	}
	return nil
}
