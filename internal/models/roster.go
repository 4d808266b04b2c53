package models

// Entity is a monitored individual.
type Entity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Device is a wearable assigned to at most one entity.
type Device struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`
}
