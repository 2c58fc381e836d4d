package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock is the time source used by every component that stamps rows or
// derives billing periods.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// New returns the wall clock in UTC.
func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(New),
)
