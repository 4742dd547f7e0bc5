package canspec

import (
	"sort"
)

// DetectionMode selects the protocol flag detection strategy.
type DetectionMode int

const (
	// DetectStatic flags every protocol whose specification was loaded.
	DetectStatic DetectionMode = iota
	// DetectObservational flags a protocol only when at least one
	// sampled frame identifier matches one of its message definitions.
	DetectObservational
)

func (m DetectionMode) String() string {
	if m == DetectObservational {
		return "observational"
	}
	return "static"
}

// Flags is the set of protocol tags judged present. It is computed once
// after specification load and not recomputed per line.
type Flags struct {
	tags map[string]bool
}

// NewFlags returns an empty flag set.
func NewFlags() *Flags {
	return &Flags{tags: make(map[string]bool)}
}

// Add flags a protocol tag as present.
func (f *Flags) Add(tag string) { f.tags[tag] = true }

// Has reports whether tag is flagged.
func (f *Flags) Has(tag string) bool { return f.tags[tag] }

// Empty reports whether no protocol was flagged.
func (f *Flags) Empty() bool { return len(f.tags) == 0 }

// Tags returns the flagged tags in sorted order.
func (f *Flags) Tags() []string {
	tags := make([]string, 0, len(f.tags))
	for tag := range f.tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// MarshalJSON renders the flag set as a sorted tag array.
func (f *Flags) MarshalJSON() ([]byte, error) {
	tags := f.Tags()
	out := make([]byte, 0, 16*len(tags))
	out = append(out, '[')
	for i, tag := range tags {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '"')
		out = append(out, tag...)
		out = append(out, '"')
	}
	return append(out, ']'), nil
}

// SampleFrame is one observed frame identifier used by observational
// detection.
type SampleFrame struct {
	ID       uint32
	Extended bool
}

// Detect computes the protocol flags for spec. In static mode every
// loaded protocol is flagged; in observational mode a protocol is flagged
// only if some sample frame matches one of its definitions.
func Detect(spec *Specification, mode DetectionMode, samples []SampleFrame) *Flags {
	flags := NewFlags()
	for _, tag := range spec.Tags() {
		proto := spec.Protocol(tag)
		if mode == DetectStatic {
			flags.Add(tag)
			continue
		}
		for _, sample := range samples {
			if len(proto.Lookup(protocolKey(proto, sample.ID, sample.Extended))) > 0 {
				flags.Add(tag)
				break
			}
		}
	}
	return flags
}

// protocolKey maps a frame identifier onto a protocol's lookup key.
func protocolKey(proto *ProtocolSpec, id uint32, extended bool) uint32 {
	if proto.Keying == KeyPGN && extended {
		return PGNFromID(id)
	}
	return id
}

// Filtered is the specification narrowed to flagged protocols. It is a
// pure derivative of (Specification, Flags): recomputed when flags
// change, treated as a cached read-only view otherwise, and shared by
// reference across decode workers.
type Filtered struct {
	// Protocols in sorted tag order; iteration order is the documented
	// cross-protocol precedence for identifier collisions.
	Protocols []*ProtocolSpec `json:"protocols"`
}

// Filter narrows spec to the protocols present in flags. An empty flag
// set yields the full specification: absence of detection must not
// silently drop everything.
func Filter(spec *Specification, flags *Flags) *Filtered {
	filtered := &Filtered{}
	for _, tag := range spec.Tags() {
		if flags.Empty() || flags.Has(tag) {
			filtered.Protocols = append(filtered.Protocols, spec.Protocol(tag))
		}
	}
	return filtered
}

// Lookup returns every message definition matching the frame identifier
// across all filtered protocols, in protocol iteration order. A frame
// whose identifier matches only unflagged protocols gets no results and
// decodes as an unknown identifier.
func (f *Filtered) Lookup(id uint32, extended bool) []*MessageDef {
	var defs []*MessageDef
	for _, proto := range f.Protocols {
		defs = append(defs, proto.Lookup(protocolKey(proto, id, extended))...)
	}
	return defs
}

// Messages returns all message definitions across filtered protocols in
// protocol iteration order.
func (f *Filtered) Messages() []*MessageDef {
	var defs []*MessageDef
	for _, proto := range f.Protocols {
		defs = append(defs, proto.Messages...)
	}
	return defs
}
