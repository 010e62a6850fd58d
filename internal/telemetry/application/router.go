package application

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFilter is returned for subscription filters the router cannot extract a device id from.
var ErrInvalidFilter = errors.New("topic router: invalid filter")

// TopicRouter extracts the device id from topics matching a single-level wildcard filter
// such as devices/+/telemetry.
type TopicRouter struct {
	filter   string
	segments []string
	idIndex  int
}

// NewTopicRouter builds a router for filter. The filter must contain exactly one "+"
// segment and no "#".
func NewTopicRouter(filter string) (*TopicRouter, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidFilter)
	}
	segments := strings.Split(filter, "/")
	idIndex := -1
	for i, segment := range segments {
		switch {
		case segment == "+":
			if idIndex >= 0 {
				return nil, fmt.Errorf("%w: %q has more than one '+'", ErrInvalidFilter, filter)
			}
			idIndex = i
		case strings.ContainsAny(segment, "+#"):
			return nil, fmt.Errorf("%w: %q has unsupported wildcard", ErrInvalidFilter, filter)
		}
	}
	if idIndex < 0 {
		return nil, fmt.Errorf("%w: %q has no '+' segment", ErrInvalidFilter, filter)
	}
	return &TopicRouter{filter: filter, segments: segments, idIndex: idIndex}, nil
}

// Filter returns the subscription filter.
func (r *TopicRouter) Filter() string {
	return r.filter
}

// Route returns the device id for topic. ok is false when the topic does not match the
// filter exactly or the id segment is empty.
func (r *TopicRouter) Route(topic string) (deviceID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != len(r.segments) {
		return "", false
	}
	for i, want := range r.segments {
		if i == r.idIndex {
			continue
		}
		if parts[i] != want {
			return "", false
		}
	}
	deviceID = parts[r.idIndex]
	if deviceID == "" {
		return "", false
	}
	return deviceID, true
}
