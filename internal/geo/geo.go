package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/freight-dispatch/internal/models"
)

// Candidate is one hit of a nearest-neighbor query.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

// Index is the geospatial location store consumed by the dispatch and
// scheduled-assignment engines. Nearest returns up to limit drivers
// within radiusKm of the point, ascending by distance.
type Index interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Remove(ctx context.Context, driverID string) error
	Nearest(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Candidate, error)
}

// StatusCache holds short-lived online/offline driver state, separate
// from the persisted Driver.Status.
type StatusCache interface {
	SetStatus(ctx context.Context, driverID, status string, ttl time.Duration) error
	GetStatus(ctx context.Context, driverID string) (string, error)
}

// MemoryIndex is an in-memory Index for tests and single-node runs.
// Naive scan; production deployments use the Redis-backed index.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(ctx context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = loc
	return nil
}

func (g *MemoryIndex) Remove(ctx context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

func (g *MemoryIndex) Nearest(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0, len(g.drivers))
	for id, loc := range g.drivers {
		distKm := HaversineKm(center.Lat, center.Lon, loc.Lat, loc.Lon)
		if distKm <= radiusKm {
			out = append(out, Candidate{DriverID: id, DistanceKm: distKm})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryStatusCache is the in-memory StatusCache counterpart.
type MemoryStatusCache struct {
	mu      sync.RWMutex
	entries map[string]statusEntry
}

type statusEntry struct {
	status  string
	expires time.Time
}

func NewMemoryStatusCache() *MemoryStatusCache {
	return &MemoryStatusCache{entries: make(map[string]statusEntry)}
}

func (c *MemoryStatusCache) SetStatus(ctx context.Context, driverID, status string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[driverID] = statusEntry{status: status, expires: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryStatusCache) GetStatus(ctx context.Context, driverID string) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[driverID]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return "", nil
	}
	return e.status, nil
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
