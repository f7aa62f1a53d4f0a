// Package archive persists completed result sets as JSON blobs.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/leadgrid/scraperd/internal/task"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Archiver snapshots a finished task's results to a blob store. The archive
// is write-only; the task store remains the queryable record.
type Archiver struct {
	blobs  BlobStore
	prefix string
	clock  task.Clock
}

// New constructs an Archiver. A nil blob store disables archiving; a nil
// clock falls back to wall time.
func New(blobs BlobStore, prefix string, clock task.Clock) *Archiver {
	if clock == nil {
		clock = wallClock{}
	}
	return &Archiver{blobs: blobs, prefix: prefix, clock: clock}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type snapshot struct {
	TaskID     int64         `json:"task_id"`
	Platform   string        `json:"platform"`
	Keywords   []string      `json:"keywords"`
	Location   string        `json:"location"`
	ArchivedAt time.Time     `json:"archived_at"`
	Results    []task.Result `json:"results"`
}

// Archive writes the result set and returns the blob URI. A disabled
// archiver returns an empty URI and no error.
func (a *Archiver) Archive(ctx context.Context, t task.Task, results []task.Result) (string, error) {
	if a == nil || a.blobs == nil {
		return "", nil
	}
	now := a.clock.Now()
	snap := snapshot{
		TaskID:     t.ID,
		Platform:   t.Platform,
		Keywords:   t.Keywords,
		Location:   t.Location,
		ArchivedAt: now,
		Results:    results,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result snapshot: %w", err)
	}
	path := a.objectPath(t.ID, now)
	uri, err := a.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("archive task %d results: %w", t.ID, err)
	}
	return uri, nil
}

func (a *Archiver) objectPath(taskID int64, at time.Time) string {
	stamp := at.UTC().Format("20060102T150405Z")
	if a.prefix == "" {
		return fmt.Sprintf("task-%d/%s.json", taskID, stamp)
	}
	return fmt.Sprintf("%s/task-%d/%s.json", a.prefix, taskID, stamp)
}
