package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/models"
)

// flakyIndex fails Upsert a fixed number of times before delegating.
type flakyIndex struct {
	*geo.MemoryIndex
	fail  int
	calls int
}

func (f *flakyIndex) Upsert(ctx context.Context, driverID string, loc models.Coord) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("index unavailable")
	}
	return f.MemoryIndex.Upsert(ctx, driverID, loc)
}

func testConsumer(index geo.Index, status geo.StatusCache) *Consumer {
	return &Consumer{
		Index: index, Status: status, StatusTTL: time.Minute,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestApplySucceedsAfterRetries(t *testing.T) {
	idx := &flakyIndex{MemoryIndex: geo.NewMemoryIndex(), fail: 2}
	status := geo.NewMemoryStatusCache()
	c := testConsumer(idx, status)
	ctx := context.Background()

	loc := models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}
	start := time.Now()
	if err := c.apply(ctx, loc, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if idx.calls != 3 {
		t.Fatalf("upsert calls = %d, want 3", idx.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("expected at least one backoff sleep")
	}
	if s, _ := status.GetStatus(ctx, "d1"); s != "ONLINE" {
		t.Fatalf("status = %q, want ONLINE", s)
	}
	hits, _ := idx.Nearest(ctx, models.Coord{Lat: 1, Lon: 2}, 1, 0)
	if len(hits) != 1 || hits[0].DriverID != "d1" {
		t.Fatalf("index hits = %+v, want d1", hits)
	}
}

func TestApplyFailsWhenExhausted(t *testing.T) {
	idx := &flakyIndex{MemoryIndex: geo.NewMemoryIndex(), fail: 5}
	c := testConsumer(idx, geo.NewMemoryStatusCache())

	loc := models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}
	if err := c.apply(context.Background(), loc, 3, time.Millisecond); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestApplyOfflineRemovesFromIndex(t *testing.T) {
	idx := geo.NewMemoryIndex()
	status := geo.NewMemoryStatusCache()
	c := testConsumer(idx, status)
	ctx := context.Background()

	if err := idx.Upsert(ctx, "d1", models.Coord{Lat: 1, Lon: 2}); err != nil {
		t.Fatal(err)
	}
	loc := models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: false}
	if err := c.apply(ctx, loc, 1, time.Millisecond); err != nil {
		t.Fatalf("apply: %v", err)
	}
	hits, _ := idx.Nearest(ctx, models.Coord{Lat: 1, Lon: 2}, 5, 0)
	if len(hits) != 0 {
		t.Fatalf("driver still in index after going offline: %+v", hits)
	}
	if s, _ := status.GetStatus(ctx, "d1"); s != "OFFLINE" {
		t.Fatalf("status = %q, want OFFLINE", s)
	}
}
