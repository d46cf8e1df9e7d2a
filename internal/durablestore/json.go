package durablestore

import (
	"bytes"
	"encoding/json"
	"strings"
)

// isJSONContentType reports whether ct (possibly with parameters, e.g.
// "application/json; charset=utf-8") names the JSON media type.
func isJSONContentType(ct string) bool {
	return strings.EqualFold(extractMediaType(ct), "application/json")
}

func extractMediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// contentTypeMatches compares two content types ignoring case and
// parameters, defaulting empty to application/octet-stream (spec §4.3).
func contentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}
	return strings.EqualFold(extractMediaType(a), extractMediaType(b))
}

// processJSONAppend preprocesses an append body for a JSON-content-type
// stream (spec §4.3, §6): parse as JSON; if an array, serialise each element
// with a trailing comma; otherwise append a single trailing comma to the
// original bytes. allowEmpty permits an empty array (only valid on the
// initial create).
func processJSONAppend(data []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return nil, nil
		}
		out := make([][]byte, len(arr))
		for i, elem := range arr {
			out[i] = append(append([]byte{}, elem...), ',')
		}
		return out, nil
	}

	return [][]byte{append(append([]byte{}, trimmed...), ',')}, nil
}

// formatJSONResponse concatenates comma-suffixed message fragments and turns
// them into a valid JSON array with a single trailing-comma-to-bracket swap
// rather than a full re-serialisation (spec §4.3 rationale).
func formatJSONResponse(messages [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for _, m := range messages {
		buf.Write(m)
	}
	out := buf.Bytes()
	if len(out) > 1 {
		out[len(out)-1] = ']'
	} else {
		out = append(out, ']')
	}
	return out
}

// formatSingleJSONMessage strips the trailing comma added by
// processJSONAppend so an individual message can be emitted standalone (used
// by the SSE data frame encoder, spec §4.4).
func formatSingleJSONMessage(msg []byte) []byte {
	trimmed := bytes.TrimRight(msg, ",")
	return trimmed
}

// IsJSONContentType exports the JSON media-type check for internal/protocol.
func IsJSONContentType(ct string) bool { return isJSONContentType(ct) }

// ExtractMediaType exports the media-type-without-parameters extraction for
// internal/protocol's SSE content-type gate.
func ExtractMediaType(ct string) string { return extractMediaType(ct) }

// ContentTypeMatches exports the append-time content-type comparison.
func ContentTypeMatches(a, b string) bool { return contentTypeMatches(a, b) }
