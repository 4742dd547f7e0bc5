package canparse

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"

	"github.com/busmill/canlog/pkg/canspec"
)

// Message is one decoded record: the frame fields plus a mapping from
// signal name to decoded value (float64, or string for enumeration
// labels). Messages are append-only; once in the store they are never
// mutated.
type Message struct {
	Timestamp float64        `json:"timestamp"`
	ID        uint32         `json:"id"`
	Extended  bool           `json:"extended,omitempty"`
	Name      string         `json:"name,omitempty"`
	Protocol  string         `json:"protocol,omitempty"`
	Interface string         `json:"interface,omitempty"`
	Data      string         `json:"data"`
	Signals   map[string]any `json:"signals,omitempty"`

	// defs are the matched message definitions, in protocol iteration
	// order; empty for a minimal (unknown identifier) record.
	defs []*canspec.MessageDef
}

// Matched reports whether the frame matched at least one message
// definition. A minimal record emitted for an unknown identifier in warn
// mode is unmatched.
func (m *Message) Matched() bool { return len(m.defs) > 0 }

// Definitions returns the matched message definitions in protocol
// iteration order.
func (m *Message) Definitions() []*canspec.MessageDef { return m.defs }

// decodeFrame looks up the frame identifier across the filtered
// protocols and decodes every matching definition. Signal maps merge
// first-match-wins, so a name declared by two matched definitions keeps
// the value from the earlier protocol. Per-signal failures degrade only
// that field and are returned alongside the message.
//
// An identifier that matches nothing yields a minimal record and a
// DecodeError of kind IssueUnknownID; the caller applies the configured
// error mode.
func decodeFrame(frame *Frame, filtered *canspec.Filtered) (*Message, []*DecodeError) {
	msg := &Message{
		Timestamp: frame.Timestamp,
		ID:        frame.ID.ID(),
		Extended:  frame.ID.Extended,
		Interface: frame.Interface,
		Data:      frame.Hex,
	}

	defs := filtered.Lookup(frame.ID.ID(), frame.ID.Extended)
	if len(defs) == 0 {
		return msg, []*DecodeError{{
			Kind:   IssueUnknownID,
			ID:     msg.ID,
			Reason: "identifier matches no filtered message definition",
		}}
	}

	msg.defs = defs
	msg.Name = defs[0].Name
	msg.Protocol = defs[0].Protocol
	msg.Signals = make(map[string]any)

	var failures []*DecodeError
	for _, def := range defs {
		for i := range def.Signals {
			sig := &def.Signals[i]
			if _, taken := msg.Signals[sig.Name]; taken {
				continue
			}
			if sig.Mux != nil && !muxMatches(def, sig, frame.Data) {
				continue
			}
			value, err := decodeSignal(sig, frame.Data)
			if err != nil {
				err.ID = msg.ID
				failures = append(failures, err)
				continue
			}
			msg.Signals[sig.Name] = value
		}
	}
	return msg, failures
}

// muxMatches evaluates a multiplex guard against the payload. A selector
// that cannot be extracted gates the signal off rather than erroring; the
// selector's own bit-range failure is reported when the selector signal
// itself is decoded.
func muxMatches(def *canspec.MessageDef, sig *canspec.SignalDef, data []byte) bool {
	selector := def.Signal(sig.Mux.Selector)
	if selector == nil {
		return false
	}
	raw, err := extractRaw(selector, data)
	return err == nil && raw == sig.Mux.Value
}

// decodeSignal extracts the signal's raw bits and converts them to the
// engineering value: sign/float reinterpretation, raw*scale+offset, then
// enumeration label substitution on the raw value.
func decodeSignal(sig *canspec.SignalDef, data []byte) (any, *DecodeError) {
	raw, err := extractRaw(sig, data)
	if err != nil {
		return nil, err
	}

	if sig.Kind == canspec.Enumerated {
		if label, ok := sig.Enum[raw]; ok {
			return label, nil
		}
	}

	var value float64
	switch sig.Kind {
	case canspec.Signed:
		value = float64(signExtend(raw, sig.Length))
	case canspec.Float:
		if sig.Length == 32 {
			value = float64(math.Float32frombits(uint32(raw)))
		} else {
			value = math.Float64frombits(raw)
		}
	default:
		value = float64(raw)
	}
	return value*sig.Scale + sig.Offset, nil
}

// extractRaw pulls the signal's bits out of the payload. Little-endian
// bit 0 is the least-significant bit of payload byte 0; big-endian bit 0
// is the most-significant bit of payload byte 0. A range past the end of
// the actual payload is a bit-range failure for this signal only.
func extractRaw(sig *canspec.SignalDef, data []byte) (uint64, *DecodeError) {
	end := sig.Start + sig.Length // exclusive
	if int((end+7)/8) > len(data) {
		return 0, &DecodeError{
			Kind:   IssueBitRange,
			Signal: sig.Name,
			Reason: fmt.Sprintf("bits %d..%d exceed %d-byte payload", sig.Start, end-1, len(data)),
		}
	}

	stream := kaitai.NewStream(bytes.NewReader(data))
	if _, err := stream.Seek(int64(sig.Start/8), io.SeekStart); err != nil {
		return 0, &DecodeError{Kind: IssueBitRange, Signal: sig.Name, Reason: err.Error()}
	}
	skip := int(sig.Start % 8)

	var raw uint64
	var err error
	if sig.Order == canspec.BigEndian {
		if skip > 0 {
			if _, err = stream.ReadBitsIntBe(skip); err != nil {
				return 0, &DecodeError{Kind: IssueBitRange, Signal: sig.Name, Reason: err.Error()}
			}
		}
		raw, err = stream.ReadBitsIntBe(int(sig.Length))
	} else {
		if skip > 0 {
			if _, err = stream.ReadBitsIntLe(skip); err != nil {
				return 0, &DecodeError{Kind: IssueBitRange, Signal: sig.Name, Reason: err.Error()}
			}
		}
		raw, err = stream.ReadBitsIntLe(int(sig.Length))
	}
	if err != nil {
		return 0, &DecodeError{Kind: IssueBitRange, Signal: sig.Name, Reason: err.Error()}
	}
	return raw, nil
}

// signExtend reinterprets the low width bits of raw as a two's
// complement signed integer.
func signExtend(raw uint64, width uint) int64 {
	if width == 64 {
		return int64(raw)
	}
	sign := uint64(1) << (width - 1)
	if raw&sign != 0 {
		raw |= ^uint64(0) << width
	}
	return int64(raw)
}
