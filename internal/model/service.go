package model

import (
	"fmt"
	"strings"
	"time"
)

// ServiceStatus is the lifecycle state of a registered MCP backend.
type ServiceStatus string

const (
	StatusActive      ServiceStatus = "ACTIVE"
	StatusMaintenance ServiceStatus = "MAINTENANCE"
	StatusInactive    ServiceStatus = "INACTIVE"
	StatusDeprecated  ServiceStatus = "DEPRECATED"
)

// ParseServiceStatus accepts a status name in any case.
func ParseServiceStatus(s string) (ServiceStatus, error) {
	switch st := ServiceStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusActive, StatusMaintenance, StatusInactive, StatusDeprecated:
		return st, nil
	default:
		return "", fmt.Errorf("unknown service status %q", s)
	}
}

// ServiceDescriptor describes a routable MCP backend. Only ACTIVE descriptors
// are eligible as proxy targets.
type ServiceDescriptor struct {
	ServiceID      string        `json:"service_id" db:"service_id"`
	Name           string        `json:"name" db:"name"`
	Description    string        `json:"description,omitempty" db:"description"`
	Endpoint       string        `json:"endpoint" db:"endpoint"`
	HealthCheckURL string        `json:"health_check_url,omitempty" db:"health_check_url"`
	Documentation  string        `json:"documentation,omitempty" db:"documentation"`
	Status         ServiceStatus `json:"status" db:"status"`
	MaxQPS         int           `json:"max_qps" db:"max_qps"` // 0 means unlimited
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the descriptor may receive proxied traffic.
func (d *ServiceDescriptor) IsActive() bool {
	return d != nil && d.Status == StatusActive
}
