// Package topics builds and classifies the per-device MQTT topic strings.
// There is no I/O here; every function is pure.
package topics

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultPrefix is the first topic level used by the player cloud.
const DefaultPrefix = "device"

var (
	// ErrUnknownTopic is returned by Parse for topics outside the device tree.
	ErrUnknownTopic = errors.New("topics: unknown topic")

	// ErrInvalidDeviceID is returned for IDs that cannot be one topic level.
	ErrInvalidDeviceID = errors.New("topics: invalid device id")
)

// ValidateDeviceID checks that id is usable as a single topic level: not
// empty and free of level separators, wildcards and NUL.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if strings.ContainsAny(id, "/+#\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	return nil
}

// Category classifies an inbound or outbound topic.
type Category int

// Topic categories.
const (
	CategoryUnknown Category = iota
	CategoryStatus
	CategoryEvents
	CategoryResponse
	CategoryCommand
)

func (c Category) String() string {
	switch c {
	case CategoryStatus:
		return "status"
	case CategoryEvents:
		return "events"
	case CategoryResponse:
		return "response"
	case CategoryCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Scheme builds topics under a prefix. The zero value uses DefaultPrefix.
//
//	device/{id}/data/status
//	device/{id}/data/events
//	device/{id}/response
//	device/{id}/command/{suffix}
type Scheme struct {
	Prefix string
}

func (s Scheme) prefix() string {
	if s.Prefix == "" {
		return DefaultPrefix
	}
	return strings.TrimSuffix(s.Prefix, "/")
}

// Status returns the status push topic for a device.
func (s Scheme) Status(deviceID string) string {
	return fmt.Sprintf("%s/%s/data/status", s.prefix(), deviceID)
}

// Events returns the playback/events push topic for a device.
func (s Scheme) Events(deviceID string) string {
	return fmt.Sprintf("%s/%s/data/events", s.prefix(), deviceID)
}

// Response returns the command-response topic for a device.
func (s Scheme) Response(deviceID string) string {
	return fmt.Sprintf("%s/%s/response", s.prefix(), deviceID)
}

// Command returns the topic for a command, e.g. suffix "volume/set".
func (s Scheme) Command(deviceID, suffix string) string {
	return fmt.Sprintf("%s/%s/command/%s", s.prefix(), deviceID, strings.TrimPrefix(suffix, "/"))
}

// DeviceTopics returns every topic a device subscription covers, in a
// fixed order: status, events, response.
func (s Scheme) DeviceTopics(deviceID string) []string {
	return []string{s.Status(deviceID), s.Events(deviceID), s.Response(deviceID)}
}

// Parse extracts the device ID from topic and classifies it.
func (s Scheme) Parse(topic string) (string, Category, error) {
	rest, ok := strings.CutPrefix(topic, s.prefix()+"/")
	if !ok {
		return "", CategoryUnknown, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	deviceID, tail, ok := strings.Cut(rest, "/")
	if !ok || deviceID == "" {
		return "", CategoryUnknown, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	switch {
	case tail == "data/status":
		return deviceID, CategoryStatus, nil
	case tail == "data/events":
		return deviceID, CategoryEvents, nil
	case tail == "response":
		return deviceID, CategoryResponse, nil
	case strings.HasPrefix(tail, "command/") && len(tail) > len("command/"):
		return deviceID, CategoryCommand, nil
	}
	return deviceID, CategoryUnknown, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
}
