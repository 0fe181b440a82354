package database

import (
	"context"
	"time"
)

// HealthStatus describes database reachability for the health endpoint.
type HealthStatus struct {
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Health pings the database and reports reachability with latency.
func (c *Client) Health(ctx context.Context) *HealthStatus {
	start := time.Now()
	err := c.pool.Ping(ctx)
	status := &HealthStatus{
		Reachable: err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
