package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Decoded is a payload split into catalogue fields and keys the catalogue
// does not know. Unknown keys are returned so callers can report them.
type Decoded struct {
	Group   Group
	Fields  map[Field]any
	Unknown []string
}

// DecodeStatus parses a status payload. Push messages wrap the fields in
// {"status": {...}}; poll responses may be flat or wrapped in
// {"device": {"status": {...}}}.
func DecodeStatus(payload []byte) (Decoded, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return Decoded{}, err
	}
	if inner, ok := unwrap(obj, "device", "status"); ok {
		obj = inner
	} else if inner, ok := unwrap(obj, "status"); ok {
		obj = inner
	}
	return split(GroupStatus, obj), nil
}

// DecodeEvents parses a playback/events push. The fields are at the top
// level.
func DecodeEvents(payload []byte) (Decoded, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return Decoded{}, err
	}
	return split(GroupPlayback, obj), nil
}

// DecodeConfig parses a config payload, {"device": {"config": {...}}},
// {"config": {...}}, or flat.
func DecodeConfig(payload []byte) (Decoded, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return Decoded{}, err
	}
	if inner, ok := unwrap(obj, "device", "config"); ok {
		obj = inner
	} else if inner, ok := unwrap(obj, "config"); ok {
		obj = inner
	}
	return split(GroupConfig, obj), nil
}

// Decode dispatches on g.
func Decode(g Group, payload []byte) (Decoded, error) {
	switch g {
	case GroupStatus:
		return DecodeStatus(payload)
	case GroupConfig:
		return DecodeConfig(payload)
	case GroupPlayback:
		return DecodeEvents(payload)
	}
	return Decoded{}, fmt.Errorf("%w: %d", ErrUnknownGroup, int(g))
}

func decodeObject(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedMessage)
	}
	return obj, nil
}

func unwrap(obj map[string]any, path ...string) (map[string]any, bool) {
	cur := obj
	for _, key := range path {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func split(g Group, obj map[string]any) Decoded {
	d := Decoded{Group: g, Fields: make(map[Field]any, len(obj))}
	for key, v := range obj {
		if _, ok := Lookup(g, Field(key)); ok {
			d.Fields[Field(key)] = v
			continue
		}
		d.Unknown = append(d.Unknown, key)
	}
	sort.Strings(d.Unknown)
	return d
}
