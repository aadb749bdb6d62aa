package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands, with the driver
// status cache on plain keys beside it.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, loc models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      driverID,
		Longitude: loc.Lon,
		Latitude:  loc.Lat,
	}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	return r.client.ZRem(ctx, r.key, driverID).Err()
}

func (r *RedisIndex) Nearest(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, Candidate{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return out, nil
}

func statusKey(driverID string) string { return "driver:status:" + driverID }

func (r *RedisIndex) SetStatus(ctx context.Context, driverID, status string, ttl time.Duration) error {
	return r.client.Set(ctx, statusKey(driverID), status, ttl).Err()
}

// GetStatus returns "" for an unknown or expired entry.
func (r *RedisIndex) GetStatus(ctx context.Context, driverID string) (string, error) {
	v, err := r.client.Get(ctx, statusKey(driverID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
