package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidTransition is returned when the order's current status does not allow
	// the requested change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrForbidden is returned when the caller may not act on the order.
	ErrForbidden = errors.New("forbidden")
	// ErrInsufficientStock marks an inventory step that found too little stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNoShipment is returned for shipment operations on an order without one.
	ErrNoShipment = errors.New("order has no shipment")
)

// ValidationError carries per-field messages for a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field message, keeping the first one per field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// OrNil returns e when at least one field failed.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}
