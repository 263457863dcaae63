package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"
)

// roomcachesKey is the hash holding every live listing, field = roomId.
const roomcachesKey = "roomcaches"

// RedisDriver keeps the registry in a single Redis hash so any process can
// query it. Filtering and sorting happen client-side; the hash is small (one
// row per live room).
type RedisDriver struct {
	client *redis.Client
}

// NewRedisDriver wraps an existing client, typically the one backing the
// Redis presence.
func NewRedisDriver(client *redis.Client) *RedisDriver {
	return &RedisDriver{client: client}
}

func (d *RedisDriver) CreateInstance(initial *Listing) *Listing {
	l := initial.clone()
	l.driver = d
	return l
}

func (d *RedisDriver) Find(ctx context.Context, conds QueryConditions) ([]*Listing, error) {
	rows, err := d.client.HGetAll(ctx, roomcachesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read room listings: %w", err)
	}

	listings := make([]*Listing, 0, len(rows))
	for roomID, raw := range rows {
		var l Listing
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			slog.Warn("Dropping undecodable room listing", "roomId", roomID, "error", err)
			continue
		}
		l.driver = d
		if l.Matches(conds) {
			listings = append(listings, &l)
		}
	}
	return listings, nil
}

func (d *RedisDriver) FindOne(ctx context.Context, conds QueryConditions, sortOpts SortOptions) (*Listing, error) {
	listings, err := d.Find(ctx, conds)
	if err != nil {
		return nil, err
	}
	if len(listings) == 0 {
		return nil, nil
	}
	if len(sortOpts) > 0 {
		sort.SliceStable(listings, func(i, j int) bool {
			return less(listings[i], listings[j], sortOpts)
		})
	}
	return listings[0], nil
}

func (d *RedisDriver) Save(ctx context.Context, listing *Listing) error {
	if listing.RoomID == "" {
		return fmt.Errorf("cannot save a listing without a roomId")
	}
	listing.driver = d

	data, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("failed to encode listing %q: %w", listing.RoomID, err)
	}
	if err := d.client.HSet(ctx, roomcachesKey, listing.RoomID, data).Err(); err != nil {
		return fmt.Errorf("failed to save listing %q: %w", listing.RoomID, err)
	}
	return nil
}

func (d *RedisDriver) Remove(ctx context.Context, roomID string) error {
	if err := d.client.HDel(ctx, roomcachesKey, roomID).Err(); err != nil {
		return fmt.Errorf("failed to remove listing %q: %w", roomID, err)
	}
	return nil
}

// Close is a no-op; the underlying client is owned by the presence.
func (d *RedisDriver) Close() error {
	return nil
}
