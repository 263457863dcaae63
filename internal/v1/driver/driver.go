// Package driver implements the distributed room registry: one listing per
// live room, visible to every process, mutated only by the owner.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
)

// Listing is the registry's row describing a live room. Fields carries the
// user-defined filter attributes projected from client join options; it is
// flattened into the JSON object on the wire.
type Listing struct {
	RoomID     string
	Name       string
	ProcessID  string
	Locked     bool
	Private    bool
	MaxClients int
	Clients    int
	Fields     map[string]any

	driver Driver
}

// QueryConditions is an equality filter over fixed and user-defined listing
// fields.
type QueryConditions map[string]any

// SortField orders candidates by one listing field.
type SortField struct {
	Field string
	Desc  bool
}

// SortOptions is applied in order before FindOne picks its first match.
type SortOptions []SortField

// Driver is the persisted index of room listings. Implementations must be
// linearizable per listing; cross-listing queries may observe slightly stale
// data.
type Driver interface {
	// CreateInstance returns a buffered listing that becomes visible to
	// other processes on its first Save.
	CreateInstance(initial *Listing) *Listing

	Find(ctx context.Context, conds QueryConditions) ([]*Listing, error)
	FindOne(ctx context.Context, conds QueryConditions, sort SortOptions) (*Listing, error)

	Save(ctx context.Context, listing *Listing) error
	Remove(ctx context.Context, roomID string) error

	Close() error
}

// Save persists the listing through its owning driver.
func (l *Listing) Save(ctx context.Context) error {
	if l.driver == nil {
		return fmt.Errorf("listing %q is not attached to a driver", l.RoomID)
	}
	return l.driver.Save(ctx, l)
}

// Remove deletes the listing from the registry.
func (l *Listing) Remove(ctx context.Context) error {
	if l.driver == nil {
		return fmt.Errorf("listing %q is not attached to a driver", l.RoomID)
	}
	return l.driver.Remove(ctx, l.RoomID)
}

// field resolves a condition key against fixed fields first, then the open
// field bag.
func (l *Listing) field(name string) (any, bool) {
	switch name {
	case "roomId":
		return l.RoomID, true
	case "name":
		return l.Name, true
	case "processId":
		return l.ProcessID, true
	case "locked":
		return l.Locked, true
	case "private":
		return l.Private, true
	case "maxClients":
		return l.MaxClients, true
	case "clients":
		return l.Clients, true
	}
	v, ok := l.Fields[name]
	return v, ok
}

// Matches reports whether every condition is satisfied. A condition on a
// field the listing does not carry never matches.
func (l *Listing) Matches(conds QueryConditions) bool {
	for name, want := range conds {
		got, ok := l.field(name)
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	return true
}

// MarshalJSON flattens Fields into the listing object. Fixed attributes win
// on key collision.
func (l *Listing) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(l.Fields)+7)
	for k, v := range l.Fields {
		obj[k] = v
	}
	obj["roomId"] = l.RoomID
	obj["name"] = l.Name
	obj["processId"] = l.ProcessID
	obj["locked"] = l.Locked
	obj["private"] = l.Private
	obj["maxClients"] = l.MaxClients
	obj["clients"] = l.Clients
	return json.Marshal(obj)
}

// UnmarshalJSON splits fixed attributes back out of the flattened object.
func (l *Listing) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	if v, ok := obj["roomId"].(string); ok {
		l.RoomID = v
	}
	if v, ok := obj["name"].(string); ok {
		l.Name = v
	}
	if v, ok := obj["processId"].(string); ok {
		l.ProcessID = v
	}
	if v, ok := obj["locked"].(bool); ok {
		l.Locked = v
	}
	if v, ok := obj["private"].(bool); ok {
		l.Private = v
	}
	if v, ok := obj["maxClients"].(float64); ok {
		l.MaxClients = int(v)
	}
	if v, ok := obj["clients"].(float64); ok {
		l.Clients = int(v)
	}

	for _, k := range []string{"roomId", "name", "processId", "locked", "private", "maxClients", "clients"} {
		delete(obj, k)
	}
	if len(obj) > 0 {
		l.Fields = obj
	} else {
		l.Fields = nil
	}
	return nil
}

// Snapshot returns a detached copy still attached to the same driver.
// Callers can persist or serialize it while the original keeps changing.
func (l *Listing) Snapshot() *Listing {
	return l.clone()
}

// clone returns a detached copy, the same view a remote process would decode.
func (l *Listing) clone() *Listing {
	cp := *l
	if l.Fields != nil {
		cp.Fields = make(map[string]any, len(l.Fields))
		for k, v := range l.Fields {
			cp.Fields[k] = v
		}
	}
	return &cp
}

// equalValues compares condition values loosely: all numeric types collapse
// to float64 so JSON-decoded conditions match typed listing fields.
func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// less orders two listings by the sort spec; ties keep registry order.
func less(a, b *Listing, opts SortOptions) bool {
	for _, s := range opts {
		av, _ := a.field(s.Field)
		bv, _ := b.field(s.Field)

		af, aok := toFloat(av)
		bf, bok := toFloat(bv)
		if aok && bok {
			if af == bf {
				continue
			}
			if s.Desc {
				return af > bf
			}
			return af < bf
		}

		as, _ := av.(string)
		bs, _ := bv.(string)
		if as == bs {
			continue
		}
		if s.Desc {
			return as > bs
		}
		return as < bs
	}
	return false
}
