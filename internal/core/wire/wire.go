// Package wire decodes the two XML documents served by a DVR endpoint: the
// device list (devices > device[id]) and the health stats (stats > message,
// bc-server-running, ...).
package wire

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrMalformedDocument means the reply as a whole is unusable.
	ErrMalformedDocument = errors.New("malformed document")
	// ErrMalformedEntry means a single entry of an otherwise valid document is unusable.
	ErrMalformedEntry = errors.New("malformed entry")
)

// EntryError describes one rejected device entry.
type EntryError struct {
	Index  int    // position among the device entries, zero based
	ID     string // raw id attribute, empty when missing
	Reason string
}

func (e *EntryError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("device entry %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("device entry %d (id %q): %s", e.Index, e.ID, e.Reason)
}

// Unwrap makes errors.Is(err, ErrMalformedEntry) hold.
func (e *EntryError) Unwrap() error {
	return ErrMalformedEntry
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedDocument, fmt.Sprintf(format, args...))
}

// nextToken wraps Decoder.Token so that a truncated document is always
// reported as malformed, never as a clean io.EOF.
func nextToken(d *xml.Decoder, inside string) (xml.Token, error) {
	tok, err := d.Token()
	if err == io.EOF {
		return nil, malformed("unexpected end of document inside <%s>", inside)
	}
	if err != nil {
		return nil, malformed("%v", err)
	}
	return tok, nil
}

// readText returns the character data of the element whose start tag was just
// consumed. nested reports whether child elements were found (and skipped).
func readText(d *xml.Decoder, name string) (text string, nested bool, err error) {
	var b strings.Builder
	for {
		tok, err := nextToken(d, name)
		if err != nil {
			return "", false, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.StartElement:
			nested = true
			if err := d.Skip(); err != nil {
				return "", false, malformed("%v", err)
			}
		case xml.EndElement:
			return b.String(), nested, nil
		}
	}
}

// findRoot advances to the first top-level element called name, skipping any
// other top-level elements. found is false when the document has none.
func findRoot(d *xml.Decoder, name string) (found bool, err error) {
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, malformed("%v", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local == name {
			return true, nil
		}
		if err := d.Skip(); err != nil {
			return false, malformed("%v", err)
		}
	}
}

func newDecoder(data []byte) *xml.Decoder {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) {
		return in, nil
	}
	return d
}

func parseID(raw string) (int, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, strconv.IntSize-1)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
