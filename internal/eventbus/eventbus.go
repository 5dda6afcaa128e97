// Package eventbus implements the typed, synchronous pub/sub used to
// thread lifecycle events across components and plugins (spec §4.8).
package eventbus

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Change is the kind of filesystem change behind a Changed event.
type Change string

const (
	ChangeAdd    Change = "add"
	ChangeModify Change = "modify"
	ChangeRemove Change = "remove"
)

// Payload types, one per named event in spec §4.8.
type (
	ConfigLoadedPayload struct{ Config interface{} }
	BeginPayload         struct{ Artifacts []string }
	EndPayload           struct {
		Artifacts []string
		Duration  int64 // milliseconds
	}
	ErrorPayload struct {
		Artifacts []string
		Message   string
	}
	ChangedPayload struct {
		Path string
		Kind Change
	}
	ComputeArtifactPayload     struct{ Output string }
	ComputeAllArtifactsPayload struct{ Artifacts []string }
)

// Names of the well-known topics, kept as constants so subscribers and
// publishers can't typo a topic name independently.
const (
	Initialized        = "initialized"
	Exit               = "exit"
	ConfigLoaded       = "configLoaded"
	GenerateStarted    = "generateStarted"
	AllTasksComplete   = "allTasksComplete"
	Begin              = "begin"
	End                = "end"
	Error              = "error"
	Changed            = "changed"
	Pause              = "pause"
	Resume             = "resume"
	ComputeArtifact    = "computeArtifact"
	ComputeAllArtifacts = "computeAllArtifacts"
)

type subscriber struct {
	fn func(interface{})
}

// Bus is a named in-process pub/sub. Emission is synchronous and
// dispatches subscribers in registration order; a subscriber must not
// throw across the boundary, so Publish recovers and logs any panic
// rather than letting it propagate to the emitting component.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]subscriber
	logger hclog.Logger
}

// New creates an empty Bus.
func New(logger hclog.Logger) *Bus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bus{topics: make(map[string][]subscriber), logger: logger}
}

// Subscribe registers fn to be called, in order, for every Publish on
// topic. The returned func unsubscribes.
func (b *Bus) Subscribe(topic string, fn func(interface{})) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := subscriber{fn: fn}
	b.topics[topic] = append(b.topics[topic], sub)
	idx := len(b.topics[topic]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		if idx < len(subs) {
			subs[idx].fn = nil
		}
	}
}

// Publish synchronously fans payload out to every subscriber of topic,
// in the order they were emitted in real time by the caller.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.Lock()
	subs := append([]subscriber(nil), b.topics[topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.fn == nil {
			continue
		}
		b.invoke(topic, sub.fn, payload)
	}
}

func (b *Bus) invoke(topic string, fn func(interface{}), payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "topic", topic, "recovered", r)
		}
	}()
	fn(payload)
}
