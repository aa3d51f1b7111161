package models

import "time"

type Property struct {
	PropertyID string    `json:"property_id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}
