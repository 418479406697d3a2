package domain

import "time"

type RouteClass string

const (
	RouteClassGeneral RouteClass = "general"
	RouteClassAuth    RouteClass = "auth"
)

// Budget is a fixed-window allowance: Points requests per Window.
type Budget struct {
	Points int
	Window time.Duration
}

// Consumption is what a counter store reports after counting one hit.
type Consumption struct {
	Count   int
	ResetIn time.Duration
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// Degraded is set when the primary store was bypassed.
	Degraded bool
}
