package eventlog

// Observer is told about every accepted or rejected entry point call.
// Implementations must not block.
type Observer interface {
	Observe(component Component, operation string, err error)
}

// NopObserver discards observations.
type NopObserver struct{}

// Observe implements Observer.
func (NopObserver) Observe(Component, string, error) {}
