package store

import (
	"bytes"
	"encoding/json"
)

// processJSONAppend converts a JSON request body into the stored byte form.
// Arrays are flattened: each element is compacted and stored with a trailing
// comma. A bare value is stored the same way, as a one-element batch. The
// stored representation makes read-side assembly a pure concatenation.
//
// An empty array is only legal at creation time (allowEmpty), where it
// contributes zero bytes; on append it is rejected.
func processJSONAppend(data []byte, allowEmpty bool) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrInvalidJSON
	}

	if trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(elements) == 0 {
			if allowEmpty {
				return nil, nil
			}
			return nil, ErrEmptyJSONArray
		}
		var out bytes.Buffer
		for _, el := range elements {
			compacted, err := compactJSON(el)
			if err != nil {
				return nil, ErrInvalidJSON
			}
			out.Write(compacted)
			out.WriteByte(',')
		}
		return out.Bytes(), nil
	}

	if !json.Valid(trimmed) {
		return nil, ErrInvalidJSON
	}
	compacted, err := compactJSON(trimmed)
	if err != nil {
		return nil, ErrInvalidJSON
	}
	return append(compacted, ','), nil
}

func compactJSON(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FormatJSONResponse assembles stored comma-terminated elements into a JSON
// array body. The stored form always ends in a comma when non-empty, so the
// assembly is strip-last-comma and wrap.
func FormatJSONResponse(chunks [][]byte) []byte {
	var body bytes.Buffer
	body.WriteByte('[')
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	body.Grow(total + 1)
	for _, c := range chunks {
		body.Write(c)
	}
	b := body.Bytes()
	if len(b) > 1 && b[len(b)-1] == ',' {
		b = b[:len(b)-1]
	}
	return append(b, ']')
}
