// Package camera holds the Camera entity reported by a DVR endpoint.
package camera

import (
	"fmt"
	"maps"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/trymwestin/dvrsession/internal/core/wire"
)

// Camera is one device of an endpoint's inventory. Two cameras are the same
// camera when ServerID and ID match; the other fields are attributes.
type Camera struct {
	ID          int               `json:"id"`
	ServerID    int               `json:"server_id"`
	Name        string            `json:"name"`
	Protocol    string            `json:"protocol,omitempty"`
	ResolutionX int               `json:"resolution_x,omitempty"`
	ResolutionY int               `json:"resolution_y,omitempty"`
	Disabled    bool              `json:"disabled"`
	PTZProtocol string            `json:"ptz_protocol,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Online      bool              `json:"online"`
}

// New returns a camera with no attributes yet.
func New(serverID, id int) Camera {
	return Camera{ID: id, ServerID: serverID}
}

// Key identifies a camera across endpoints.
type Key struct {
	ServerID int
	ID       int
}

// Key returns the camera identity.
func (c Camera) Key() Key {
	return Key{ServerID: c.ServerID, ID: c.ID}
}

// Apply decodes the raw fields of a device entry into c. On error c is left
// untouched and the error wraps wire.ErrMalformedEntry.
func (c *Camera) Apply(fields map[string]string) error {
	next := *c
	next.Fields = maps.Clone(fields)

	next.Name = strings.TrimSpace(fields["device_name"])
	if next.Name == "" {
		next.Name = fmt.Sprintf("Camera %d", c.ID)
	}
	next.Protocol = strings.TrimSpace(fields["protocol"])
	next.PTZProtocol = strings.TrimSpace(fields["ptz_control_protocol"])

	var err error
	if next.ResolutionX, err = intField(fields, "resolutionX"); err != nil {
		return err
	}
	if next.ResolutionY, err = intField(fields, "resolutionY"); err != nil {
		return err
	}
	disabled, err := intField(fields, "disabled")
	if err != nil {
		return err
	}
	next.Disabled = disabled != 0

	*c = next
	return nil
}

func intField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: field %s: %q is not an integer", wire.ErrMalformedEntry, name, raw)
	}
	return n, nil
}

// SameAttributes reports whether a and b carry identical decoded attributes.
// Identity and the online flag are ignored.
func SameAttributes(a, b Camera) bool {
	return a.Name == b.Name &&
		a.Protocol == b.Protocol &&
		a.ResolutionX == b.ResolutionX &&
		a.ResolutionY == b.ResolutionY &&
		a.Disabled == b.Disabled &&
		a.PTZProtocol == b.PTZProtocol &&
		maps.Equal(a.Fields, b.Fields)
}

// StreamURL returns the live RTSP URL of the camera on the given stream endpoint.
func (c Camera) StreamURL(hostname string, streamPort int) string {
	u := url.URL{
		Scheme: "rtsp",
		Host:   net.JoinHostPort(hostname, strconv.Itoa(streamPort)),
		Path:   fmt.Sprintf("/live/%d", c.ID),
	}
	return u.String()
}
