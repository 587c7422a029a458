// Package inventory reconciles device-list replies against the set of cameras
// known for one endpoint.
package inventory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/trymwestin/dvrsession/internal/core/camera"
	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/core/wire"
	"github.com/trymwestin/dvrsession/internal/metrics"
)

// Result summarizes one applied device list.
type Result struct {
	Added   []camera.Camera
	Removed []camera.Camera
	Updated []camera.Camera
	// Ready is true when this reply fired EventDevicesReady.
	Ready bool
	// Skipped lists the entries that were not applied.
	Skipped []error
}

// Inventory owns the camera set of one endpoint. Mutations are expected to
// come from a single goroutine; reads are safe from any goroutine.
type Inventory struct {
	serverID int
	pub      state.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu      sync.RWMutex
	cameras map[int]camera.Camera
	loaded  bool
}

// New creates an empty inventory for the endpoint serverID.
func New(serverID int, pub state.Publisher, m *metrics.Metrics, log *slog.Logger) *Inventory {
	return &Inventory{
		serverID: serverID,
		pub:      pub,
		metrics:  m,
		log:      log,
		cameras:  make(map[int]camera.Camera),
	}
}

// HandleReply applies a device-list reply. replyErr is the request-level error
// reported by the transport. On error the camera set is left untouched.
func (inv *Inventory) HandleReply(body []byte, replyErr error) (*Result, error) {
	if replyErr != nil {
		inv.metrics.Failure(inv.serverID, metrics.RequestDevices, metrics.FailureTransport)
		inv.log.Warn("error from updating cameras", "server_id", inv.serverID, "error", replyErr)
		return nil, fmt.Errorf("inventory: device list request: %w", replyErr)
	}

	list, err := wire.ParseDevices(body)
	if err != nil {
		inv.metrics.Failure(inv.serverID, metrics.RequestDevices, metrics.FailureDocument)
		inv.log.Warn("error while parsing camera list", "server_id", inv.serverID, "error", err)
		return nil, fmt.Errorf("inventory: %w", err)
	}
	return inv.Apply(list), nil
}

// Apply reconciles the camera set against a decoded device list.
//
// Cameras absent from the list are removed, new ones are added, and known
// ones get their attributes refreshed. An entry whose fields fail to decode
// keeps an already-known camera as it was and never creates a new one.
func (inv *Inventory) Apply(list *wire.DeviceList) *Result {
	res := &Result{}
	for _, rej := range list.Rejected {
		res.Skipped = append(res.Skipped, rej)
	}

	inv.mu.Lock()

	wasEmpty := len(inv.cameras) == 0
	next := make(map[int]camera.Camera, len(list.Entries))
	var addedIDs []int
	added := make(map[int]bool)

	for _, e := range list.Entries {
		c, seen := next[e.ID]
		if !seen {
			c, seen = inv.cameras[e.ID]
		}
		if !seen {
			c = camera.New(inv.serverID, e.ID)
		}
		c.Online = true

		err := e.Err
		if err == nil {
			err = c.Apply(e.Fields)
		}
		if err != nil {
			res.Skipped = append(res.Skipped, fmt.Errorf("device %d: %w", e.ID, err))
			if seen {
				if _, kept := next[e.ID]; !kept {
					next[e.ID] = c
				}
			}
			continue
		}

		next[e.ID] = c
		if _, known := inv.cameras[e.ID]; !known && !added[e.ID] {
			added[e.ID] = true
			addedIDs = append(addedIDs, e.ID)
		}
	}

	for _, id := range sortedIDs(inv.cameras) {
		prev := inv.cameras[id]
		cur, ok := next[id]
		if !ok {
			prev.Online = false
			res.Removed = append(res.Removed, prev)
			continue
		}
		if !camera.SameAttributes(prev, cur) {
			res.Updated = append(res.Updated, cur)
		}
	}
	for _, id := range addedIDs {
		res.Added = append(res.Added, next[id])
	}

	inv.cameras = next
	if !inv.loaded || (wasEmpty && len(next) > 0) {
		inv.loaded = true
		res.Ready = true
	}
	n := len(next)

	inv.mu.Unlock()

	for _, err := range res.Skipped {
		inv.metrics.Failure(inv.serverID, metrics.RequestDevices, metrics.FailureEntry)
		inv.log.Warn("skipping device entry", "server_id", inv.serverID, "error", err)
	}
	inv.metrics.SetCameras(inv.serverID, n)

	for _, c := range res.Removed {
		inv.log.Debug("camera removed", "server_id", inv.serverID, "camera_id", c.ID)
		inv.pub.Publish(state.Event{Type: state.EventCameraRemoved, ServerID: inv.serverID, Data: c})
	}
	for _, c := range res.Added {
		inv.log.Debug("camera added", "server_id", inv.serverID, "camera_id", c.ID)
		inv.pub.Publish(state.Event{Type: state.EventCameraAdded, ServerID: inv.serverID, Data: c})
	}
	for _, c := range res.Updated {
		inv.pub.Publish(state.Event{Type: state.EventCameraUpdated, ServerID: inv.serverID, Data: c})
	}
	if res.Ready {
		inv.pub.Publish(state.Event{Type: state.EventDevicesReady, ServerID: inv.serverID})
	}
	return res
}

// Clear removes every camera, each marked offline, and forgets that the
// device list was ever loaded.
func (inv *Inventory) Clear() []camera.Camera {
	inv.mu.Lock()
	removed := make([]camera.Camera, 0, len(inv.cameras))
	for _, id := range sortedIDs(inv.cameras) {
		c := inv.cameras[id]
		c.Online = false
		removed = append(removed, c)
	}
	inv.cameras = make(map[int]camera.Camera)
	inv.loaded = false
	inv.mu.Unlock()

	inv.metrics.SetCameras(inv.serverID, 0)
	for _, c := range removed {
		inv.pub.Publish(state.Event{Type: state.EventCameraRemoved, ServerID: inv.serverID, Data: c})
	}
	return removed
}

// Cameras returns a snapshot of the camera set ordered by id.
func (inv *Inventory) Cameras() []camera.Camera {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]camera.Camera, 0, len(inv.cameras))
	for _, id := range sortedIDs(inv.cameras) {
		out = append(out, inv.cameras[id])
	}
	return out
}

// Camera returns one camera by id.
func (inv *Inventory) Camera(id int) (camera.Camera, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	c, ok := inv.cameras[id]
	return c, ok
}

// Loaded reports whether a device list has been applied since construction
// or the last Clear.
func (inv *Inventory) Loaded() bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.loaded
}

func sortedIDs(m map[int]camera.Camera) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
