package service

import "storefront/internal/auth"

// RoleSystem marks actors that are integrations rather than people.
const RoleSystem = "system"

// Actor is whoever causes a change. It is recorded on every history entry.
type Actor struct {
	ID   string
	Role string
}

// Well-known system actors.
var (
	ActorPaymentWebhook  = Actor{ID: "payment_webhook", Role: RoleSystem}
	ActorShipmentWebhook = Actor{ID: "shipment_webhook", Role: RoleSystem}
	ActorShipmentWorker  = Actor{ID: "shipment_worker", Role: RoleSystem}
	ActorLifecycle       = Actor{ID: "lifecycle", Role: RoleSystem}
)

// ActorFromIdentity converts a verified bearer identity.
func ActorFromIdentity(id *auth.Identity) Actor {
	if id == nil {
		return Actor{}
	}
	return Actor{ID: id.Subject, Role: id.Role}
}

// IsAdmin reports whether the actor may use admin operations.
func (a Actor) IsAdmin() bool {
	return a.Role == auth.RoleAdmin
}

// CanAccess reports whether the actor owns the order or is an admin.
func (a Actor) CanAccess(ownerID string) bool {
	return a.IsAdmin() || (a.ID != "" && a.ID == ownerID)
}

// String is the form stored in status history, e.g. "admin:42".
func (a Actor) String() string {
	role := a.Role
	if role == "" {
		role = auth.RoleUser
	}
	return role + ":" + a.ID
}
