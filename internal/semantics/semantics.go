// Package semantics implements JULEA's semantics value object: four
// independent aspects (atomicity, consistency, persistency, security)
// that travel with a batch. Of these, only persistency reaches the
// wire, as the safety flags of the messages that batch produces.
package semantics

import "fmt"

// Atomicity controls whether a batch's operations succeed or fail as a
// single unit.
type Atomicity int

const (
	// AtomicityBatch requires all operations in a batch to succeed or
	// none do.
	AtomicityBatch Atomicity = iota
	// AtomicityOperation allows each operation to succeed or fail
	// independently.
	AtomicityOperation
	// AtomicityNone applies no atomicity guarantee at all.
	AtomicityNone
)

// Consistency controls when a batch's effects become visible to other
// clients.
type Consistency int

const (
	// ConsistencyImmediate executes a batch synchronously; effects are
	// visible to everyone by the time Execute returns.
	ConsistencyImmediate Consistency = iota
	// ConsistencySession defers execution until the batch's last
	// reference is released.
	ConsistencySession
	// ConsistencyEventual routes the batch through the operation cache
	// (see package opcache); effects become visible once the cache
	// worker drains it.
	ConsistencyEventual
)

// Persistency controls the durability guarantee a backend gives once an
// operation reports success.
type Persistency int

const (
	// PersistencyStorage requires data to be durable on stable storage
	// (e.g. fsync) before the operation reports success.
	PersistencyStorage Persistency = iota
	// PersistencyNetwork only requires the server to have received the
	// data; it may still be buffered.
	PersistencyNetwork
	// PersistencyNone gives no durability guarantee.
	PersistencyNone
)

// Security controls the credential model applied to a batch's
// operations. The field does not travel on the wire, and no
// credential checking is performed; credentials stay opaque.
type Security int

const (
	SecurityStrict Security = iota
	SecurityNone
)

// Template selects one of the three named semantics presets.
type Template int

const (
	// TemplateDefault: atomicity=None, consistency=Immediate,
	// persistency=Network, security=None.
	TemplateDefault Template = iota
	// TemplatePOSIX: atomicity=Operation, consistency=Immediate,
	// persistency=Network, security=Strict.
	TemplatePOSIX
	// TemplateTemporaryLocal: atomicity=None, consistency=Eventual,
	// persistency=Network, security=None.
	TemplateTemporaryLocal
)

// Semantics is an immutable-after-Freeze value object carrying the four
// aspects above. A batch holds one; the messages the batch produces
// carry only its persistency, as safety flags, from which a server
// rebuilds the durability contract when deciding sync behavior.
//
// Semantics is deliberately a plain value rather than a pointer-shared
// handle: a value type lets Freeze be enforced by returning a new
// frozen copy rather than by a runtime "already immutable" check on
// every setter.
type Semantics struct {
	Atomicity   Atomicity
	Consistency Consistency
	Persistency Persistency
	Security    Security
	frozen      bool
}

// New builds a Semantics from one of the three named templates.
func New(t Template) Semantics {
	s := Semantics{
		Atomicity:   AtomicityNone,
		Consistency: ConsistencyImmediate,
		Persistency: PersistencyNetwork,
		Security:    SecurityNone,
	}
	switch t {
	case TemplatePOSIX:
		s.Atomicity = AtomicityOperation
		s.Security = SecurityStrict
	case TemplateTemporaryLocal:
		s.Consistency = ConsistencyEventual
	case TemplateDefault:
		// zero-value defaults above already match.
	}
	return s
}

// Default returns the TemplateDefault semantics; it is the semantics a
// batch gets when none is supplied explicitly.
func Default() Semantics { return New(TemplateDefault) }

// Freeze returns a frozen copy of s. Once frozen, With* setters return
// an error instead of a modified copy.
func (s Semantics) Freeze() Semantics {
	s.frozen = true
	return s
}

// Frozen reports whether s has been frozen.
func (s Semantics) Frozen() bool { return s.frozen }

// ErrFrozen is returned by the With* setters once a Semantics has been
// frozen.
var ErrFrozen = fmt.Errorf("semantics: frozen, cannot be modified")

// WithConsistency returns a copy of s with Consistency replaced, unless
// s is frozen.
func (s Semantics) WithConsistency(c Consistency) (Semantics, error) {
	if s.frozen {
		return s, ErrFrozen
	}
	s.Consistency = c
	return s, nil
}

// WithAtomicity returns a copy of s with Atomicity replaced, unless s is
// frozen.
func (s Semantics) WithAtomicity(a Atomicity) (Semantics, error) {
	if s.frozen {
		return s, ErrFrozen
	}
	s.Atomicity = a
	return s, nil
}

// WithPersistency returns a copy of s with Persistency replaced, unless
// s is frozen.
func (s Semantics) WithPersistency(p Persistency) (Semantics, error) {
	if s.frozen {
		return s, ErrFrozen
	}
	s.Persistency = p
	return s, nil
}

// WithSecurity returns a copy of s with Security replaced, unless s is
// frozen.
func (s Semantics) WithSecurity(sec Security) (Semantics, error) {
	if s.frozen {
		return s, ErrFrozen
	}
	s.Security = sec
	return s, nil
}

// RequiresReply reports whether a message carrying this semantics
// requires the server to send a reply: NETWORK or STORAGE persistency
// requires one, NONE does not. isRead overrides this to true, since
// reads always require a reply regardless of safety.
func (s Semantics) RequiresReply(isRead bool) bool {
	if isRead {
		return true
	}
	return s.Persistency == PersistencyStorage || s.Persistency == PersistencyNetwork
}
