package shipping

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ProviderError describes a failed call to the shipment provider.
// ProviderOrderID and ShipmentID are set when the provider order already exists
// and only the courier assignment failed.
type ProviderError struct {
	Op              string
	StatusCode      int
	Message         string
	Err             error
	ProviderOrderID string
	ShipmentID      string
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("shipment provider %s failed with %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("shipment provider %s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("shipment provider %s failed: %s", e.Op, e.Message)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Timeout reports whether the call gave up waiting for the provider.
func (e *ProviderError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// withShipment attaches the ids of an already created provider order to err.
func withShipment(err error, providerOrderID, shipmentID string) error {
	var perr *ProviderError
	if !errors.As(err, &perr) {
		perr = &ProviderError{Op: "assign_awb", Err: err}
		err = perr
	}
	perr.ProviderOrderID = providerOrderID
	perr.ShipmentID = shipmentID
	return err
}
