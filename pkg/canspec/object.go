package canspec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// objectDoc is the raw shape of the self-describing document format.
// Required numeric fields are pointers so that a missing field is
// distinguishable from zero and rejected instead of silently coerced.
type objectDoc struct {
	Protocol string          `json:"protocol" yaml:"protocol"`
	Keying   Keying          `json:"keying" yaml:"keying"`
	Messages []objectMessage `json:"messages" yaml:"messages"`
}

type objectMessage struct {
	ID      *uint32        `json:"id" yaml:"id"`
	Mask    uint32         `json:"mask" yaml:"mask"`
	Name    string         `json:"name" yaml:"name"`
	Length  *uint          `json:"length" yaml:"length"`
	Comment string         `json:"comment" yaml:"comment"`
	Signals []objectSignal `json:"signals" yaml:"signals"`
}

type objectSignal struct {
	Name    string            `json:"name" yaml:"name"`
	Start   *uint             `json:"start" yaml:"start"`
	Length  *uint             `json:"length" yaml:"length"`
	Order   ByteOrder         `json:"order" yaml:"order"`
	Kind    ValueKind         `json:"kind" yaml:"kind"`
	Scale   *float64          `json:"scale" yaml:"scale"`
	Offset  float64           `json:"offset" yaml:"offset"`
	Enum    map[uint64]string `json:"enum" yaml:"enum"`
	Min     float64           `json:"min" yaml:"min"`
	Max     float64           `json:"max" yaml:"max"`
	Unit    string            `json:"unit" yaml:"unit"`
	Comment string            `json:"comment" yaml:"comment"`
	Mux     *MuxGuard         `json:"mux" yaml:"mux"`
}

// loadObject parses the self-describing JSON/YAML document format. JSON
// documents go through encoding/json for exact number handling; anything
// else is treated as YAML.
func loadObject(tag, source string, data []byte) (*ProtocolSpec, error) {
	var doc objectDoc
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("{")) {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &LoadError{Source: source, Reason: fmt.Sprintf("parsing JSON specification: %v", err)}
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &LoadError{Source: source, Reason: fmt.Sprintf("parsing YAML specification: %v", err)}
		}
	}
	if doc.Protocol != "" && doc.Protocol != tag {
		return nil, &LoadError{
			Source: source,
			Reason: fmt.Sprintf("document declares protocol %q but was loaded for %q", doc.Protocol, tag),
		}
	}
	if len(doc.Messages) == 0 {
		return nil, &LoadError{Source: source, Reason: "specification defines no messages"}
	}

	proto := &ProtocolSpec{Tag: tag, Keying: doc.Keying}
	if tag == TagJ1939 {
		proto.Keying = KeyPGN
	}
	for i, raw := range doc.Messages {
		def, err := raw.toMessageDef(source, i)
		if err != nil {
			return nil, err
		}
		proto.Messages = append(proto.Messages, def)
	}
	return proto, nil
}

func (raw *objectMessage) toMessageDef(source string, index int) (*MessageDef, error) {
	entry := raw.Name
	if entry == "" {
		entry = fmt.Sprintf("messages[%d]", index)
	}
	if raw.Name == "" {
		return nil, &LoadError{Source: source, Entry: entry, Reason: "missing required field name"}
	}
	if raw.ID == nil {
		return nil, &LoadError{Source: source, Entry: entry, Reason: "missing required field id"}
	}
	if raw.Length == nil {
		return nil, &LoadError{Source: source, Entry: entry, Reason: "missing required field length"}
	}
	def := &MessageDef{
		ID:      *raw.ID,
		Mask:    raw.Mask,
		Name:    raw.Name,
		Length:  *raw.Length,
		Comment: raw.Comment,
	}
	for _, sig := range raw.Signals {
		out, err := sig.toSignalDef(source, entry)
		if err != nil {
			return nil, err
		}
		def.Signals = append(def.Signals, out)
	}
	return def, nil
}

func (raw *objectSignal) toSignalDef(source, message string) (SignalDef, error) {
	entry := fmt.Sprintf("%s.%s", message, raw.Name)
	if raw.Name == "" {
		return SignalDef{}, &LoadError{Source: source, Entry: message, Reason: "signal missing required field name"}
	}
	if raw.Start == nil {
		return SignalDef{}, &LoadError{Source: source, Entry: entry, Reason: "missing required field start"}
	}
	if raw.Length == nil {
		return SignalDef{}, &LoadError{Source: source, Entry: entry, Reason: "missing required field length"}
	}
	scale := 1.0
	if raw.Scale != nil {
		scale = *raw.Scale
	}
	kind := raw.Kind
	if len(raw.Enum) > 0 && kind == Unsigned {
		kind = Enumerated
	}
	return SignalDef{
		Name:    raw.Name,
		Start:   *raw.Start,
		Length:  *raw.Length,
		Order:   raw.Order,
		Kind:    kind,
		Scale:   scale,
		Offset:  raw.Offset,
		Enum:    raw.Enum,
		Min:     raw.Min,
		Max:     raw.Max,
		Unit:    raw.Unit,
		Comment: raw.Comment,
		Mux:     raw.Mux,
	}, nil
}
