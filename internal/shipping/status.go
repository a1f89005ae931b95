package shipping

import (
	"strings"
	"time"

	"storefront/internal/models"
)

var carrierStatuses = map[string]models.ShipmentStatus{
	"new":                        models.ShipmentStatusProcessing,
	"awb_assigned":               models.ShipmentStatusProcessing,
	"pickup_scheduled":           models.ShipmentStatusProcessing,
	"pickup_generated":           models.ShipmentStatusProcessing,
	"manifested":                 models.ShipmentStatusProcessing,
	"processing":                 models.ShipmentStatusProcessing,
	"pending":                    models.ShipmentStatusPending,
	"picked_up":                  models.ShipmentStatusShipped,
	"shipped":                    models.ShipmentStatusShipped,
	"in_transit":                 models.ShipmentStatusInTransit,
	"reached_at_destination_hub": models.ShipmentStatusInTransit,
	"out_for_delivery":           models.ShipmentStatusOutForDelivery,
	"delivered":                  models.ShipmentStatusDelivered,
	"undelivered":                models.ShipmentStatusFailed,
	"lost":                       models.ShipmentStatusFailed,
	"damaged":                    models.ShipmentStatusFailed,
	"failed":                     models.ShipmentStatusFailed,
	"cancelled":                  models.ShipmentStatusCancelled,
	"canceled":                   models.ShipmentStatusCancelled,
	"rto_initiated":              models.ShipmentStatusCancelled,
	"rto_delivered":              models.ShipmentStatusCancelled,
}

// NormalizeStatus maps a carrier status label such as "OUT FOR DELIVERY" to a
// shipment status. Unknown labels return false.
func NormalizeStatus(raw string) (models.ShipmentStatus, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	status, ok := carrierStatuses[key]
	return status, ok
}

var providerTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02 Jan 2006",
}

// parseProviderTime accepts the handful of date formats the provider emits.
func parseProviderTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range providerTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
