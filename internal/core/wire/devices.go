package wire

import (
	"encoding/xml"
	"fmt"
)

// DeviceEntry is one <device> element with a valid id.
type DeviceEntry struct {
	ID     int
	Fields map[string]string
	// Err is set when the id was valid but the body could not be decoded.
	Err error
}

// DeviceList is a decoded device-list document.
type DeviceList struct {
	// Entries holds every device entry with a valid id, in document order.
	Entries []DeviceEntry
	// Rejected holds entries dropped before their id could be established.
	Rejected []*EntryError
}

// ParseDevices decodes a device-list reply.
//
// Only errors wrapping ErrMalformedDocument are returned; per-entry problems
// are reported through DeviceList.Rejected and DeviceEntry.Err so that sibling
// entries remain usable.
func ParseDevices(data []byte) (*DeviceList, error) {
	d := newDecoder(data)

	found, err := findRoot(d, "devices")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, malformed("no devices element")
	}

	list := &DeviceList{}
	index := 0
	for {
		tok, err := nextToken(d, "devices")
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return list, nil
		case xml.StartElement:
			if t.Name.Local != "device" {
				if err := d.Skip(); err != nil {
					return nil, malformed("%v", err)
				}
				continue
			}
			if err := decodeDevice(d, t, index, list); err != nil {
				return nil, err
			}
			index++
		}
	}
}

func decodeDevice(d *xml.Decoder, start xml.StartElement, index int, list *DeviceList) error {
	rawID, hasID := attr(start, "id")
	if !hasID {
		if err := d.Skip(); err != nil {
			return malformed("%v", err)
		}
		list.Rejected = append(list.Rejected, &EntryError{Index: index, Reason: "missing id attribute"})
		return nil
	}
	id, err := parseID(rawID)
	if err != nil {
		if err := d.Skip(); err != nil {
			return malformed("%v", err)
		}
		list.Rejected = append(list.Rejected, &EntryError{Index: index, ID: rawID, Reason: "invalid device id"})
		return nil
	}

	entry := DeviceEntry{ID: id, Fields: make(map[string]string)}
	for {
		tok, err := nextToken(d, "device")
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			list.Entries = append(list.Entries, entry)
			return nil
		case xml.StartElement:
			text, nested, err := readText(d, t.Name.Local)
			if err != nil {
				return err
			}
			if nested && entry.Err == nil {
				entry.Err = &EntryError{
					Index:  index,
					ID:     rawID,
					Reason: fmt.Sprintf("field %s: unexpected nested element", t.Name.Local),
				}
			}
			entry.Fields[t.Name.Local] = text
		}
	}
}

func attr(se xml.StartElement, name string) (string, bool) {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}
