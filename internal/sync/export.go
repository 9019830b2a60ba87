package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/store"
)

// exportPageSize bounds each ListTasks call made while exporting.
const exportPageSize = 500

// header is the first JSONL record of a snapshot.
type header struct {
	Version     string    `json:"version"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	TaskCount   int       `json:"task_count"`
	Counter     uint64    `json:"counter"`
	LastEventID int64     `json:"last_event_id"`
	Digest      string    `json:"digest"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// counterRecord is the last line of an export.
type counterRecord struct {
	Value uint64 `json:"value"`
}

// Snapshot is one registry export and the facts destinations label it with.
type Snapshot struct {
	Data        []byte
	TakenAt     time.Time
	TaskCount   int
	Counter     model.TaskID
	LastEventID int64

	// Digest is the hex SHA-256 of every line after the header. Two
	// snapshots of an unchanged registry share a digest.
	Digest string
}

// TakeSnapshot reads the registry inside a single transaction, so the
// counter, tasks and event-log position agree, and renders it as JSONL: a
// header, one record per task in ascending ID order, and the ID counter.
func TakeSnapshot(ctx context.Context, s store.Store) (*Snapshot, error) {
	var (
		tasks   []*model.Task
		counter model.TaskID
		lastEvt int64
	)
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		if counter, err = tx.Counter(ctx); err != nil {
			return fmt.Errorf("read counter: %w", err)
		}
		if lastEvt, err = tx.LastEventID(ctx); err != nil {
			return fmt.Errorf("read event log head: %w", err)
		}
		var after model.TaskID
		for {
			page, err := tx.ListTasks(ctx, model.TaskFilter{AfterID: after, Limit: exportPageSize})
			if err != nil {
				return fmt.Errorf("list tasks after %d: %w", after, err)
			}
			tasks = append(tasks, page...)
			if len(page) < exportPageSize {
				return nil
			}
			after = page[len(page)-1].ID
		}
	})
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	enc := newEncoder(&body)
	for _, t := range tasks {
		if err := enc.Encode(record{Type: "task", Data: t}); err != nil {
			return nil, fmt.Errorf("encode task %d: %w", t.ID, err)
		}
	}
	if err := enc.Encode(record{Type: "counter", Data: counterRecord{Value: uint64(counter)}}); err != nil {
		return nil, fmt.Errorf("encode counter: %w", err)
	}
	sum := sha256.Sum256(body.Bytes())

	snap := &Snapshot{
		TakenAt:     time.Now().UTC(),
		TaskCount:   len(tasks),
		Counter:     counter,
		LastEventID: lastEvt,
		Digest:      hex.EncodeToString(sum[:]),
	}

	var out bytes.Buffer
	if err := newEncoder(&out).Encode(header{
		Version:     "1",
		Type:        "header",
		Timestamp:   snap.TakenAt,
		TaskCount:   snap.TaskCount,
		Counter:     uint64(counter),
		LastEventID: lastEvt,
		Digest:      snap.Digest,
	}); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	out.Write(body.Bytes())
	snap.Data = out.Bytes()
	return snap, nil
}

// ExportJSONL writes a snapshot of the registry to w. Nothing is written
// when reading the registry fails.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) error {
	snap, err := TakeSnapshot(ctx, s)
	if err != nil {
		return err
	}
	_, err = w.Write(snap.Data)
	return err
}

func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}
