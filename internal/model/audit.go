package model

import "time"

// CallLog is one persisted auth decision, written asynchronously by the audit
// pipe into api_call_logs.
type CallLog struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	ServiceID     string    `json:"service_id" db:"service_id"`
	AuthKeyID     string    `json:"auth_key_id,omitempty" db:"auth_key_id"`
	RequestPath   string    `json:"request_path" db:"request_path"`
	RequestMethod string    `json:"request_method" db:"request_method"`
	ClientIP      string    `json:"client_ip" db:"client_ip"`
	UserAgent     string    `json:"user_agent,omitempty" db:"user_agent"`
	StatusCode    int       `json:"status_code" db:"status_code"`
	AuthMethod    string    `json:"auth_method" db:"auth_method"`
	Reason        string    `json:"reason,omitempty" db:"reason"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
