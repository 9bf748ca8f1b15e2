package anomaly

import (
	"fmt"
	"sync"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/types"
)

// EventKind identifies the lifecycle event a detector subscribes to
type EventKind string

const (
	KindEnqueue        EventKind = "enqueue"
	KindDequeue        EventKind = "dequeue"
	KindAck            EventKind = "ack"
	KindNack           EventKind = "nack"
	KindTimeoutRequeue EventKind = "timeout_requeue"
	KindBulkOperation  EventKind = "bulk_operation"
)

// Thresholds carries the configured detection limits. Every field has a
// documented default; see pkg/config.
type Thresholds struct {
	FlashThresholdMs  int64
	LargePayloadBytes int
	LongProcessingMs  int64
	NearDLQThreshold  int
	ZombieMultiplier  float64
	BurstCount        int
	BurstSeconds      int
	BulkThreshold     int
}

// Context is the read-only snapshot handed to detectors. Detectors classify
// what they see; they never call back into the broker and never perform I/O.
type Context struct {
	Kind       EventKind
	Queue      string
	MessageID  string
	ConsumerID string

	// Timings
	TimeInQueueMs     int64
	ProcessingTimeMs  int64
	OverdueMs         int64
	ExpectedTimeoutMs int64

	// Lock state for ack-path checks
	ExpectedLockToken string
	ReceivedLockToken string

	// Attempt accounting
	AttemptCount      int
	MaxAttempts       int
	AttemptsRemaining int

	PayloadSize int

	// RecentDequeues is this consumer's dequeue count within the burst window
	RecentDequeues int

	// DLQTransition is set when the event moves the message to dead status
	DLQTransition bool

	// Bulk operation metadata
	BulkOperation string // enqueue, move, delete, clear
	AffectedCount int

	Thresholds Thresholds

	// Extra carries forward-compatible key/value context
	Extra map[string]any
}

// DetectFunc is a pure classification function. A nil result means the
// detector saw nothing noteworthy.
type DetectFunc func(ctx *Context) *types.Anomaly

// Detector couples a classification rule with its registration metadata
type Detector struct {
	Name        string
	Description string
	Kinds       []EventKind
	Enabled     bool
	Detect      DetectFunc
}

func (d *Detector) subscribes(kind EventKind) bool {
	for _, k := range d.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Registry holds an ordered set of detectors. Reads are lock-free against a
// copy-on-write slice; mutations (register, enable, disable) swap in a new
// copy under the mutex. Construct one per broker instance; tests need fresh
// registries.
type Registry struct {
	mu        sync.RWMutex
	detectors []Detector
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry returns a registry preloaded with the built-in
// detectors in their documented order.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range builtinDetectors() {
		// Built-in names are unique by construction
		_ = r.Register(d)
	}
	return r
}

// Register appends a detector. Registration order is invocation order.
func (r *Registry) Register(d Detector) error {
	if d.Name == "" {
		return fmt.Errorf("detector name is required")
	}
	if d.Detect == nil {
		return fmt.Errorf("detector %s has no detect function", d.Name)
	}
	if len(d.Kinds) == 0 {
		return fmt.Errorf("detector %s subscribes to no event kinds", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.detectors {
		if existing.Name == d.Name {
			return fmt.Errorf("detector %s already registered", d.Name)
		}
	}

	next := make([]Detector, len(r.detectors), len(r.detectors)+1)
	copy(next, r.detectors)
	r.detectors = append(next, d)
	return nil
}

// SetEnabled flips a detector on or off at runtime
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]Detector, len(r.detectors))
	copy(next, r.detectors)
	for i := range next {
		if next[i].Name == name {
			next[i].Enabled = enabled
			r.detectors = next
			return nil
		}
	}
	return fmt.Errorf("detector %s not registered", name)
}

// List returns the registered detectors in invocation order
func (r *Registry) List() []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Detector, len(r.detectors))
	copy(out, r.detectors)
	return out
}

// Detect runs every enabled detector subscribed to ctx.Kind in registration
// order and returns all reported anomalies. A detector panic is logged and
// skipped; detection never fails the surrounding transaction.
func (r *Registry) Detect(ctx *Context) []*types.Anomaly {
	r.mu.RLock()
	detectors := r.detectors
	r.mu.RUnlock()

	var found []*types.Anomaly
	for i := range detectors {
		d := &detectors[i]
		if !d.Enabled || !d.subscribes(ctx.Kind) {
			continue
		}
		if a := safeDetect(d, ctx); a != nil {
			a.MessageID = ctx.MessageID
			a.ConsumerID = ctx.ConsumerID
			found = append(found, a)
		}
	}
	return found
}

func safeDetect(d *Detector, ctx *Context) (result *types.Anomaly) {
	defer func() {
		if rec := recover(); rec != nil {
			logger := log.WithComponent("anomaly")
			logger.Error().
				Str("detector", d.Name).
				Interface("panic", rec).
				Msg("detector panicked, skipping")
			result = nil
		}
	}()
	return d.Detect(ctx)
}
