// Package canspec holds the canonical in-memory model of CAN message and
// signal definitions, the loaders that normalize the supported
// specification formats (object, tabular, DBC) onto it, and the protocol
// flag detection / filtering that narrows a loaded specification before
// decoding.
package canspec

import (
	"fmt"
	"sort"
	"strings"
)

// Protocol tags understood by the loaders. Annex sources are keyed by tag.
const (
	TagJ1939     = "j1939"
	TagCAN       = "can"
	TagUDS       = "uds"
	TagTransport = "transport"
)

var knownTags = map[string]bool{
	TagJ1939:     true,
	TagCAN:       true,
	TagUDS:       true,
	TagTransport: true,
}

// IsKnownTag reports whether tag names a protocol the loaders understand.
func IsKnownTag(tag string) bool {
	return knownTags[strings.ToLower(tag)]
}

// ByteOrder is the bit layout of a signal within the payload.
type ByteOrder int

const (
	// LittleEndian (Intel): bit 0 is the least-significant bit of payload
	// byte 0, counting upward through each byte's bits.
	LittleEndian ByteOrder = iota
	// BigEndian (Motorola): bit 0 is the most-significant bit of payload
	// byte 0, counting toward the LSB and then into the next byte.
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big"
	}
	return "little"
}

// MarshalText implements encoding.TextMarshaler so specifications
// round-trip through JSON/YAML with readable order names.
func (o ByteOrder) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText accepts the names used across the supported formats.
func (o *ByteOrder) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "little", "little_endian", "intel", "le":
		*o = LittleEndian
	case "big", "big_endian", "motorola", "be":
		*o = BigEndian
	default:
		return fmt.Errorf("unknown byte order %q", text)
	}
	return nil
}

// ValueKind is how the extracted raw bits are reinterpreted.
type ValueKind int

const (
	Unsigned ValueKind = iota
	Signed
	Float
	Enumerated
)

var kindNames = [...]string{"unsigned", "signed", "float", "enum"}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unsigned"
}

// MarshalText implements encoding.TextMarshaler.
func (k ValueKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the kind names used across the supported formats.
func (k *ValueKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "unsigned", "uint":
		*k = Unsigned
	case "signed", "int":
		*k = Signed
	case "float", "ieee754":
		*k = Float
	case "enum", "enumerated":
		*k = Enumerated
	default:
		return fmt.Errorf("unknown value kind %q", text)
	}
	return nil
}

// MuxGuard gates a multiplexed signal: the signal is only present when
// the selector signal's raw value equals Value.
type MuxGuard struct {
	Selector string `json:"selector" yaml:"selector"`
	Value    uint64 `json:"value" yaml:"value"`
}

// SignalDef describes one decodable field within a message payload.
type SignalDef struct {
	Name   string    `json:"name" yaml:"name"`
	Start  uint      `json:"start" yaml:"start"`
	Length uint      `json:"length" yaml:"length"`
	Order  ByteOrder `json:"order" yaml:"order"`
	Kind   ValueKind `json:"kind" yaml:"kind"`
	Scale  float64   `json:"scale" yaml:"scale"`
	Offset float64   `json:"offset" yaml:"offset"`

	// Enum maps raw values to labels; only consulted for Enumerated kind.
	Enum map[uint64]string `json:"enum,omitempty" yaml:"enum,omitempty"`

	// Min/Max are advisory physical bounds, never enforced during decode.
	Min float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max float64 `json:"max,omitempty" yaml:"max,omitempty"`

	Unit    string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`

	// Mux, when non-nil, makes this an ordinary signal gated by a
	// selector value condition.
	Mux *MuxGuard `json:"mux,omitempty" yaml:"mux,omitempty"`
}

// physicalBit maps a signal bit position onto LSB-of-byte-0 numbering,
// normalizing the two byte orders for overlap and width checks.
func (s *SignalDef) physicalBit(pos uint) uint {
	if s.Order == LittleEndian {
		return pos
	}
	// Big-endian positions count from the MSB of each byte.
	return (pos/8)*8 + (7 - pos%8)
}

// MessageDef describes one frame type within a protocol.
type MessageDef struct {
	// ID is the lookup key: the raw identifier for exact-keyed protocols,
	// or the PGN for PGN-keyed ones.
	ID uint32 `json:"id" yaml:"id"`
	// Mask, when non-zero, matches any frame where id&Mask == ID.
	Mask     uint32 `json:"mask,omitempty" yaml:"mask,omitempty"`
	Name     string `json:"name" yaml:"name"`
	Protocol string `json:"protocol" yaml:"protocol"`
	// Length is the declared payload width in bytes.
	Length uint `json:"length" yaml:"length"`
	// Signals keeps declaration order; it is significant for output
	// column ordering.
	Signals []SignalDef `json:"signals" yaml:"signals"`

	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// SignalNames returns the signal names in declaration order.
func (m *MessageDef) SignalNames() []string {
	names := make([]string, len(m.Signals))
	for i := range m.Signals {
		names[i] = m.Signals[i].Name
	}
	return names
}

// Signal returns the named signal definition, or nil.
func (m *MessageDef) Signal(name string) *SignalDef {
	for i := range m.Signals {
		if m.Signals[i].Name == name {
			return &m.Signals[i]
		}
	}
	return nil
}

// Keying selects how frame identifiers are matched against a protocol's
// message definitions.
type Keying int

const (
	// KeyExact matches the frame identifier directly (mask-aware).
	KeyExact Keying = iota
	// KeyPGN extracts the J1939 parameter group number from extended
	// identifiers and matches on it.
	KeyPGN
)

func (k Keying) String() string {
	if k == KeyPGN {
		return "pgn"
	}
	return "exact"
}

// MarshalText implements encoding.TextMarshaler.
func (k Keying) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Keying) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "exact", "id":
		*k = KeyExact
	case "pgn", "j1939":
		*k = KeyPGN
	default:
		return fmt.Errorf("unknown keying %q", text)
	}
	return nil
}

// ProtocolSpec is one protocol's message set.
type ProtocolSpec struct {
	Tag      string        `json:"tag" yaml:"tag"`
	Keying   Keying        `json:"keying" yaml:"keying"`
	Messages []*MessageDef `json:"messages" yaml:"messages"`

	byKey map[uint32][]*MessageDef
	// masked holds definitions with a non-zero Mask; they are scanned
	// after the exact-key lookup misses.
	masked []*MessageDef
}

// Lookup returns every message definition matching key, in declaration
// order.
func (p *ProtocolSpec) Lookup(key uint32) []*MessageDef {
	defs := p.byKey[key]
	if len(p.masked) == 0 {
		return defs
	}
	for _, def := range p.masked {
		if key&def.Mask == def.ID {
			defs = append(defs, def)
		}
	}
	return defs
}

func (p *ProtocolSpec) index() {
	p.byKey = make(map[uint32][]*MessageDef, len(p.Messages))
	p.masked = nil
	for _, def := range p.Messages {
		if def.Mask != 0 {
			p.masked = append(p.masked, def)
			continue
		}
		p.byKey[def.ID] = append(p.byKey[def.ID], def)
	}
}

// Specification is the full, merged model: protocol tag to message set.
// It is immutable once loaded and safe to share read-only across workers.
type Specification struct {
	protocols map[string]*ProtocolSpec
}

// NewSpecification returns an empty specification.
func NewSpecification() *Specification {
	return &Specification{protocols: make(map[string]*ProtocolSpec)}
}

// Protocol returns the message set for tag, or nil.
func (s *Specification) Protocol(tag string) *ProtocolSpec {
	return s.protocols[tag]
}

// Tags returns all loaded protocol tags in sorted order. Sorted order is
// also the decode iteration order, which keeps cross-protocol identifier
// collisions deterministic.
func (s *Specification) Tags() []string {
	tags := make([]string, 0, len(s.protocols))
	for tag := range s.protocols {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// merge layers an annex protocol set onto the specification. Annexes
// extend, they never override: a message key present in both the base and
// the annex is a LoadError.
func (s *Specification) merge(p *ProtocolSpec) error {
	existing, ok := s.protocols[p.Tag]
	if !ok {
		cp := &ProtocolSpec{Tag: p.Tag, Keying: p.Keying, Messages: p.Messages}
		cp.index()
		s.protocols[p.Tag] = cp
		return nil
	}
	if existing.Keying != p.Keying {
		return &LoadError{
			Source: p.Tag,
			Reason: fmt.Sprintf("annex keying %s conflicts with base keying %s", p.Keying, existing.Keying),
		}
	}
	for _, def := range p.Messages {
		for _, have := range existing.Messages {
			if have.ID == def.ID && have.Mask == def.Mask {
				return &LoadError{
					Source: p.Tag,
					Entry:  def.Name,
					Reason: fmt.Sprintf("message 0x%X already defined by another source for protocol %s", def.ID, p.Tag),
				}
			}
		}
		existing.Messages = append(existing.Messages, def)
	}
	existing.index()
	return nil
}

// LoadError is a malformed or ambiguous specification entry. It is always
// fatal to the construction that triggered the load.
type LoadError struct {
	Source string // file path, protocol tag, or format name
	Entry  string // offending entry, when identifiable
	Reason string
}

func (e *LoadError) Error() string {
	var b strings.Builder
	b.WriteString("canspec: ")
	if e.Source != "" {
		b.WriteString(e.Source)
		b.WriteString(": ")
	}
	if e.Entry != "" {
		b.WriteString(e.Entry)
		b.WriteString(": ")
	}
	b.WriteString(e.Reason)
	return b.String()
}

// validateMessage enforces the model invariants: bit ranges inside the
// declared width and no overlapping non-multiplexed signals.
func validateMessage(source string, def *MessageDef) error {
	if def.Length == 0 || def.Length > 64 {
		return &LoadError{Source: source, Entry: def.Name, Reason: fmt.Sprintf("payload length %d out of range", def.Length)}
	}
	width := def.Length * 8
	var used [8]uint64 // 512 bits, one per possible payload bit
	for i := range def.Signals {
		sig := &def.Signals[i]
		if sig.Name == "" {
			return &LoadError{Source: source, Entry: def.Name, Reason: "signal with empty name"}
		}
		if sig.Length < 1 || sig.Length > 64 {
			return &LoadError{Source: source, Entry: sig.Name, Reason: fmt.Sprintf("bit length %d out of range", sig.Length)}
		}
		if sig.Kind == Float && sig.Length != 32 && sig.Length != 64 {
			return &LoadError{Source: source, Entry: sig.Name, Reason: fmt.Sprintf("float signal must be 32 or 64 bits, got %d", sig.Length)}
		}
		for i := uint(0); i < sig.Length; i++ {
			b := sig.physicalBit(sig.Start + i)
			if b >= width {
				return &LoadError{
					Source: source,
					Entry:  sig.Name,
					Reason: fmt.Sprintf("start %d length %d exceeds declared payload width %d", sig.Start, sig.Length, width),
				}
			}
			if sig.Mux != nil {
				continue // multiplexed signals may legitimately share ranges
			}
			if used[b/64]&(1<<(b%64)) != 0 {
				return &LoadError{
					Source: source,
					Entry:  sig.Name,
					Reason: fmt.Sprintf("overlaps another signal at bit %d", b),
				}
			}
			used[b/64] |= 1 << (b % 64)
		}
		if sig.Mux != nil && def.Signal(sig.Mux.Selector) == nil {
			return &LoadError{Source: source, Entry: sig.Name, Reason: fmt.Sprintf("multiplex selector %q not defined", sig.Mux.Selector)}
		}
	}
	return nil
}
