package domain

// RegisterServicePayload is the Command.Data payload for
// CommandRegisterService: a component announcing itself to the System
// Controller. The controller deduplicates repeated registrations carrying
// the same CommandID (invariant: command IDs are stable for retry).
type RegisterServicePayload struct {
	ServiceType ServiceType `json:"service_type"`
	ServiceID   string      `json:"service_id"`
}
