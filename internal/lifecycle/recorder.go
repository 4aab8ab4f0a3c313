package lifecycle

import "time"

// Recorder receives engine events for metrics.
type Recorder interface {
	// Operation records one engine operation and its result label.
	Operation(op, result string, d time.Duration)
	// FieldCycle records an RF cycle, or a suppressed one.
	FieldCycle(suppressed bool)
	ReaderReset()
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Operation(string, string, time.Duration) {}
func (NopRecorder) FieldCycle(bool)                         {}
func (NopRecorder) ReaderReset()                            {}
