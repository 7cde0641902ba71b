package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"tableflow/syncd/internal/dispatch"
	"tableflow/syncd/internal/version"
)

func TestJournalRecordsBroadcasts(t *testing.T) {
	dir := t.TempDir()
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	store := version.NewStore(version.WithClock(clock))

	j, err := New(dir, store, clock)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}

	envelope := &dispatch.Envelope{
		Type:      dispatch.EventOrderCreated,
		Data:      json.RawMessage(`{"id":"order-1"}`),
		Version:   7,
		MessageID: "msg-1",
	}
	j.RecordBroadcast(envelope, []string{"kitchen", "admins"})
	j.RecordBroadcast(nil, nil)
	if err := j.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	file, err := os.Open(filepath.Join(dir, "broadcasts.jsonl.sz"))
	if err != nil {
		t.Fatalf("open broadcast log: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	if !scanner.Scan() {
		t.Fatalf("expected one broadcast record, got none: %v", scanner.Err())
	}
	var record broadcastRecord
	if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
		t.Fatalf("decode broadcast record: %v", err)
	}
	if record.Type != dispatch.EventOrderCreated {
		t.Fatalf("expected type %q, got %q", dispatch.EventOrderCreated, record.Type)
	}
	if record.MessageID != "msg-1" || record.Version != 7 {
		t.Fatalf("unexpected record identity: %+v", record)
	}
	if len(record.Rooms) != 2 {
		t.Fatalf("expected two target rooms, got %v", record.Rooms)
	}
	if scanner.Scan() {
		t.Fatalf("nil envelopes must not be recorded, got %q", scanner.Text())
	}
}

func TestJournalWritesKeyframeOnClose(t *testing.T) {
	dir := t.TempDir()
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	store := version.NewStore(version.WithClock(clock))
	store.Bump(version.KindOrder, "order-1", "waiter-1")

	j, err := New(dir, store, clock)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	file, err := os.Open(filepath.Join(dir, "versions.jsonl.zst"))
	if err != nil {
		t.Fatalf("open keyframe stream: %v", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		t.Fatalf("open zstd reader: %v", err)
	}
	defer decoder.Close()

	scanner := bufio.NewScanner(decoder)
	if !scanner.Scan() {
		t.Fatalf("expected keyframe on close: %v", scanner.Err())
	}
	var frame keyframeRecord
	if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
		t.Fatalf("decode keyframe: %v", err)
	}
	orders, ok := frame.Versions[version.KindOrder]
	if !ok {
		t.Fatalf("expected order versions in keyframe, got %+v", frame.Versions)
	}
	if _, ok := orders["order-1"]; !ok {
		t.Fatalf("expected order-1 in keyframe, got %+v", orders)
	}
}

func TestJournalDisabledWithoutDirectory(t *testing.T) {
	j, err := New("", nil, nil)
	if err != nil {
		t.Fatalf("disabled journal must not error: %v", err)
	}
	if j != nil {
		t.Fatalf("expected nil journal when no directory is configured")
	}
	j.RecordBroadcast(&dispatch.Envelope{Type: "x"}, nil)
	j.WriteKeyframe()
	if err := j.Close(); err != nil {
		t.Fatalf("nil journal close: %v", err)
	}
	if j.Directory() != "" {
		t.Fatalf("nil journal must report empty directory")
	}
}
