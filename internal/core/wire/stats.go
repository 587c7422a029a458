package wire

import (
	"encoding/xml"
	"strings"
)

// Stats is a decoded stats reply.
type Stats struct {
	// HasMessage reports whether at least one <message> element was present.
	HasMessage bool
	// Message is the last non-empty <message> text.
	Message string
	// ServerDown is set when any <bc-server-running> reads "down".
	ServerDown bool
	// Values holds the trimmed text of every other child element.
	Values map[string]string
}

// ParseStats decodes a stats reply. A missing stats container or broken XML
// yields an error wrapping ErrMalformedDocument.
func ParseStats(data []byte) (*Stats, error) {
	d := newDecoder(data)

	found, err := findRoot(d, "stats")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, malformed("no stats element")
	}

	st := &Stats{Values: make(map[string]string)}
	for {
		tok, err := nextToken(d, "stats")
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return st, nil
		case xml.StartElement:
			text, _, err := readText(d, t.Name.Local)
			if err != nil {
				return nil, err
			}
			switch t.Name.Local {
			case "message":
				st.HasMessage = true
				if text != "" {
					st.Message = text
				}
			case "bc-server-running":
				if strings.TrimSpace(text) == "down" {
					st.ServerDown = true
				}
			default:
				st.Values[t.Name.Local] = strings.TrimSpace(text)
			}
		}
	}
}
