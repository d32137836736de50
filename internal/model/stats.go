package model

import "time"

// Counters is the live per-(service, day) aggregate kept in the TTL store.
type Counters struct {
	ServiceID         string `json:"service_id"`
	Date              string `json:"date"` // YYYY-MM-DD
	TotalCalls        int64  `json:"total_calls"`
	SuccessCalls      int64  `json:"success_calls"`
	FailedCalls       int64  `json:"failed_calls"`
	TotalResponseTime int64  `json:"total_response_time_ms"`
	MaxResponseTime   int64  `json:"max_response_time_ms"`
	UniqueUsers       int64  `json:"unique_users"`
}

// DailyStats is one durable row of service_statistics.
type DailyStats struct {
	ServiceID           string    `json:"service_id" db:"service_id"`
	DateKey             string    `json:"date" db:"date_key"`
	TotalCalls          int64     `json:"total_calls" db:"total_calls"`
	SuccessCalls        int64     `json:"success_calls" db:"success_calls"`
	FailedCalls         int64     `json:"failed_calls" db:"failed_calls"`
	TotalResponseTimeMs int64     `json:"total_response_time_ms" db:"total_response_time_ms"`
	AvgResponseTimeMs   int64     `json:"avg_response_time_ms" db:"avg_response_time_ms"`
	MaxResponseTimeMs   int64     `json:"max_response_time_ms" db:"max_response_time_ms"`
	UniqueUsers         int64     `json:"unique_users" db:"unique_users"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// StatsReport is the API view of either live or persisted counters.
type StatsReport struct {
	ServiceID           string     `json:"service_id"`
	Source              string     `json:"source"` // "realtime" or "persisted"
	Date                string     `json:"date"`
	TotalCalls          int64      `json:"total_calls"`
	SuccessCalls        int64      `json:"success_calls"`
	FailedCalls         int64      `json:"failed_calls"`
	SuccessRate         float64    `json:"success_rate"`
	AverageResponseTime float64    `json:"average_response_time_ms"`
	MaxResponseTime     int64      `json:"max_response_time_ms"`
	UniqueUsers         int64      `json:"unique_users"`
	LastUpdated         *time.Time `json:"last_updated,omitempty"`
}

// Report converts live counters into a StatsReport.
func (c Counters) Report() StatsReport {
	return StatsReport{
		ServiceID:           c.ServiceID,
		Source:              "realtime",
		Date:                c.Date,
		TotalCalls:          c.TotalCalls,
		SuccessCalls:        c.SuccessCalls,
		FailedCalls:         c.FailedCalls,
		SuccessRate:         percent(c.SuccessCalls, c.TotalCalls),
		AverageResponseTime: ratio(c.TotalResponseTime, c.TotalCalls),
		MaxResponseTime:     c.MaxResponseTime,
		UniqueUsers:         c.UniqueUsers,
	}
}

// Report converts a durable row into a StatsReport.
func (d DailyStats) Report() StatsReport {
	updated := d.UpdatedAt
	return StatsReport{
		ServiceID:           d.ServiceID,
		Source:              "persisted",
		Date:                d.DateKey,
		TotalCalls:          d.TotalCalls,
		SuccessCalls:        d.SuccessCalls,
		FailedCalls:         d.FailedCalls,
		SuccessRate:         percent(d.SuccessCalls, d.TotalCalls),
		AverageResponseTime: float64(d.AvgResponseTimeMs),
		MaxResponseTime:     d.MaxResponseTimeMs,
		UniqueUsers:         d.UniqueUsers,
		LastUpdated:         &updated,
	}
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func percent(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n*100) / float64(d)
}
