package agents

import (
	"sync"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
)

// Artifact names a durable result a request produced. Observers are notified
// of it after the request succeeds.
type Artifact struct {
	Name    string
	Payload map[string]any
}

// Collision describes one write the debug checker flagged.
type Collision struct {
	Step     string
	Key      string
	Owner    string
	Declared bool
}

// Body is the evolving request payload, owned by exactly one session. Steps
// reach it through a Scope that knows which keys the step declared.
type Body struct {
	mu       sync.Mutex
	data     map[string]any
	owners   map[string]string
	artifact *Artifact

	checks     bool
	logger     Logger
	collisions []Collision
}

// NewBody copies initial into a fresh body.
func NewBody(initial map[string]any) *Body {
	data := envelope.CopyBody(initial)
	if data == nil {
		data = make(map[string]any)
	}
	return &Body{
		data:   data,
		owners: make(map[string]string),
	}
}

// EnableWriteChecks turns on the collision checker. Flagged writes are
// logged and kept for Collisions; they never fail the step.
func (b *Body) EnableWriteChecks(logger Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checks = true
	b.logger = logger
}

// Get returns the value stored under key.
func (b *Body) Get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok
}

// GetString returns key as a string, or "".
func (b *Body) GetString(key string) string {
	v, _ := b.Get(key)
	s, _ := v.(string)
	return s
}

// Set writes key outside any step scope.
func (b *Body) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
}

// Merge copies every non-internal key of m into the body.
func (b *Body) Merge(m map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range envelope.StripInternal(m) {
		b.data[k] = v
	}
}

// Snapshot returns a deep copy with internal keys removed.
func (b *Body) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return envelope.StripInternal(b.data)
}

// TakeArtifact returns and clears the artifact marked by a step.
func (b *Body) TakeArtifact() (*Artifact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.artifact
	b.artifact = nil
	return a, a != nil
}

// Collisions returns the writes flagged so far.
func (b *Body) Collisions() []Collision {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Collision, len(b.collisions))
	copy(out, b.collisions)
	return out
}

// Scope returns the view a step writes through.
func (b *Body) Scope(step string, writes []string) *Scope {
	declared := make(map[string]bool, len(writes))
	for _, k := range writes {
		declared[k] = true
	}
	return &Scope{body: b, step: step, declared: declared}
}

func (b *Body) write(step string, declared bool, key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.checks {
		owner, owned := b.owners[key]
		foreign := owned && owner != step
		if !declared || foreign {
			c := Collision{Step: step, Key: key, Owner: owner, Declared: declared}
			b.collisions = append(b.collisions, c)
			if b.logger != nil {
				b.logger.Warn("body_write_flagged",
					"step", step,
					"key", key,
					"declared", declared,
					"previous_owner", owner,
				)
			}
		}
	}

	b.data[key] = value
	b.owners[key] = step
}

// Scope is a step's read/write view of the body.
type Scope struct {
	body     *Body
	step     string
	declared map[string]bool
}

// Step returns the step name the scope belongs to.
func (s *Scope) Step() string { return s.step }

// Get returns the value stored under key.
func (s *Scope) Get(key string) (any, bool) { return s.body.Get(key) }

// GetString returns key as a string, or "".
func (s *Scope) GetString(key string) string { return s.body.GetString(key) }

// Set writes key and records this step as its owner.
func (s *Scope) Set(key string, value any) {
	s.body.write(s.step, s.declared[key], key, value)
}

// Delete removes a key the step declared.
func (s *Scope) Delete(key string) error {
	if !s.declared[key] {
		return &UndeclaredKeyError{Step: s.step, Key: key}
	}
	s.body.mu.Lock()
	defer s.body.mu.Unlock()
	delete(s.body.data, key)
	delete(s.body.owners, key)
	return nil
}

// MarkArtifact records that the request produced a durable artifact.
func (s *Scope) MarkArtifact(name string, payload map[string]any) {
	s.body.mu.Lock()
	defer s.body.mu.Unlock()
	s.body.artifact = &Artifact{Name: name, Payload: envelope.StripInternal(payload)}
}
