// Package metrics defines the minimal metrics surface the upload
// pipeline emits against. Backends (Datadog, or the no-op default) live
// in subpackages so the core code carries no vendor types.
package metrics

// Labels are metric dimensions, e.g. {"dataset": "wangguan_onu"}.
type Labels map[string]string

// Backend receives counters and histogram observations.
//
// Implementations must be safe for concurrent use; the diff engine calls
// them from request goroutines.
type Backend interface {
	// IncCounter adds delta to a monotonically increasing counter.
	IncCounter(name string, delta float64, labels Labels)

	// ObserveHistogram records one observation (durations in seconds,
	// sizes in rows or bytes).
	ObserveHistogram(name string, value float64, labels Labels)

	// Flush submits buffered metrics now.
	Flush() error

	// Close flushes and releases resources.
	Close() error
}

// Nop discards everything. It is the default when no metrics backend is
// configured, so call sites never nil-check.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }
func (Nop) Close() error                             { return nil }

var _ Backend = Nop{}
