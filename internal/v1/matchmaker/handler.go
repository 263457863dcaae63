package matchmaker

import (
	"github.com/lattice-gg/arena/internal/v1/driver"
	"github.com/lattice-gg/arena/internal/v1/room"
	"github.com/lattice-gg/arena/internal/v1/types"
)

// Definition registers a room type with the matchmaker: how to build its
// logic, which join options project into registry filter fields, and how
// matchmaking queries rank candidate rooms.
type Definition struct {
	// New constructs the authored logic for each room instance. Required.
	New func() room.Logic

	// DefaultOptions are merged under the client's options before OnCreate.
	DefaultOptions types.ClientOptions

	// FilterFields projects client options into listing fields used to
	// partition matchmaking queries. Nil means no partitioning.
	FilterFields func(options types.ClientOptions) map[string]any

	// Sort ranks candidate listings before FindOne picks the first.
	Sort driver.SortOptions

	// MaxClients caps the room. OnCreate may still adjust it.
	MaxClients int

	// Private rooms never appear in public queries.
	Private bool

	// DisableAutoDispose keeps empty rooms alive until explicitly disposed.
	DisableAutoDispose bool

	// Methods are user entries added to each room's remote-call table.
	Methods map[string]room.Method
}

// registeredHandler is one live room-type registration. At most one exists
// per name; re-registration replaces it.
type registeredHandler struct {
	name string
	def  Definition
}

// filterFields applies the definition's projection, tolerating a nil one.
func (h *registeredHandler) filterFields(options types.ClientOptions) map[string]any {
	if h.def.FilterFields == nil {
		return nil
	}
	return h.def.FilterFields(options)
}

// mergedOptions layers client options over the definition's defaults.
func (h *registeredHandler) mergedOptions(options types.ClientOptions) types.ClientOptions {
	merged := make(types.ClientOptions, len(h.def.DefaultOptions)+len(options))
	for k, v := range h.def.DefaultOptions {
		merged[k] = v
	}
	for k, v := range options {
		merged[k] = v
	}
	return merged
}
