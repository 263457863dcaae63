package driver

import (
	"context"
	"sort"
	"sync"
)

// LocalDriver is an in-memory registry for single-process deployments and
// tests. Reads return detached copies so callers observe the same snapshot
// semantics as the Redis driver.
type LocalDriver struct {
	mu       sync.RWMutex
	listings map[string]*Listing
}

func NewLocalDriver() *LocalDriver {
	return &LocalDriver{listings: make(map[string]*Listing)}
}

func (d *LocalDriver) CreateInstance(initial *Listing) *Listing {
	l := initial.clone()
	l.driver = d
	return l
}

func (d *LocalDriver) Find(ctx context.Context, conds QueryConditions) ([]*Listing, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	listings := make([]*Listing, 0, len(d.listings))
	for _, l := range d.listings {
		if l.Matches(conds) {
			cp := l.clone()
			cp.driver = d
			listings = append(listings, cp)
		}
	}
	return listings, nil
}

func (d *LocalDriver) FindOne(ctx context.Context, conds QueryConditions, sortOpts SortOptions) (*Listing, error) {
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

func (d *LocalDriver) Save(ctx context.Context, listing *Listing) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	listing.driver = d
	d.listings[listing.RoomID] = listing.clone()
	return nil
}

func (d *LocalDriver) Remove(ctx context.Context, roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listings, roomID)
	return nil
}

func (d *LocalDriver) Close() error {
	return nil
}
