package domain

import (
	"context"
	"time"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator page. Key groups repeats of the same incident.
type Alert struct {
	Severity Severity
	Key      string
	Title    string
	Message  string
	Fields   map[string]string
	At       time.Time
}

type Service interface {
	Raise(ctx context.Context, alert Alert) error
}
