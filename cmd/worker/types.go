package main

// StatusCommand is the payload producers (payment webhooks, kitchen display) put on the
// order-commands queue.
type StatusCommand struct {
	TenantID      string `json:"tenant_id"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	ActorType     string `json:"actor_type,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
