package canspec

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Tabular column names. The header row is matched case-insensitively and
// column order is free; one row defines one signal, grouped into messages
// by message_id.
const (
	colMessageID     = "message_id"
	colMessageName   = "message_name"
	colMessageLength = "message_length"
	colSignal        = "signal"
	colStart         = "start"
	colLength        = "length"
	colOrder         = "order"
	colKind          = "kind"
	colScale         = "scale"
	colOffset        = "offset"
	colMin           = "min"
	colMax           = "max"
	colUnit          = "unit"
	colMuxSelector   = "mux_selector"
	colMuxValue      = "mux_value"
)

var requiredColumns = []string{colMessageID, colMessageName, colSignal, colStart, colLength}

// loadTabular parses the CSV column-document format.
func loadTabular(tag, source string, data []byte) (*ProtocolSpec, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, &LoadError{Source: source, Reason: fmt.Sprintf("reading header row: %v", err)}
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, &LoadError{Source: source, Reason: fmt.Sprintf("header missing required column %s", name)}
		}
	}

	proto := &ProtocolSpec{Tag: tag}
	if tag == TagJ1939 {
		proto.Keying = KeyPGN
	}
	byID := make(map[uint32]*MessageDef)

	for row := 2; ; row++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &LoadError{Source: source, Entry: fmt.Sprintf("row %d", row), Reason: err.Error()}
		}
		if err := appendTabularRow(proto, byID, cols, record, source, row); err != nil {
			return nil, err
		}
	}
	if len(proto.Messages) == 0 {
		return nil, &LoadError{Source: source, Reason: "specification defines no messages"}
	}
	return proto, nil
}

func appendTabularRow(proto *ProtocolSpec, byID map[uint32]*MessageDef, cols map[string]int, record []string, source string, row int) error {
	entry := fmt.Sprintf("row %d", row)
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	// Required fields must be present; an empty cell is an error rather
	// than an implicit zero.
	for _, name := range requiredColumns {
		if field(name) == "" {
			return &LoadError{Source: source, Entry: entry, Reason: fmt.Sprintf("missing required field %s", name)}
		}
	}

	id, err := parseTabularUint(field(colMessageID))
	if err != nil {
		return &LoadError{Source: source, Entry: entry, Reason: fmt.Sprintf("bad message_id: %v", err)}
	}
	start, err := parseTabularUint(field(colStart))
	if err != nil {
		return &LoadError{Source: source, Entry: entry, Reason: fmt.Sprintf("bad start: %v", err)}
	}
	length, err := parseTabularUint(field(colLength))
	if err != nil {
		return &LoadError{Source: source, Entry: entry, Reason: fmt.Sprintf("bad length: %v", err)}
	}

	def, ok := byID[uint32(id)]
	if !ok {
		def = &MessageDef{ID: uint32(id), Name: field(colMessageName), Length: 8}
		if v := field(colMessageLength); v != "" {
			msgLen, err := parseTabularUint(v)
			if err != nil {
				return &LoadError{Source: source, Entry: entry, Reason: fmt.Sprintf("bad message_length: %v", err)}
			}
			def.Length = uint(msgLen)
		}
		byID[uint32(id)] = def
		proto.Messages = append(proto.Messages, def)
	}

	sig := SignalDef{
		Name:   field(colSignal),
		Start:  uint(start),
		Length: uint(length),
		Scale:  1,
		Unit:   field(colUnit),
	}
	if v := field(colOrder); v != "" {
		if err := sig.Order.UnmarshalText([]byte(v)); err != nil {
			return &LoadError{Source: source, Entry: entry, Reason: err.Error()}
		}
	}
	if v := field(colKind); v != "" {
		if err := sig.Kind.UnmarshalText([]byte(v)); err != nil {
			return &LoadError{Source: source, Entry: entry, Reason: err.Error()}
		}
	}
	for _, numeric := range []struct {
		col string
		dst *float64
	}{
		{colScale, &sig.Scale},
		{colOffset, &sig.Offset},
		{colMin, &sig.Min},
		{colMax, &sig.Max},
	} {
		v := field(numeric.col)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &LoadError{Source: source, Entry: entry, Reason: fmt.Sprintf("bad %s: %v", numeric.col, err)}
		}
		*numeric.dst = f
	}
	if sel := field(colMuxSelector); sel != "" {
		val, err := parseTabularUint(field(colMuxValue))
		if err != nil {
			return &LoadError{Source: source, Entry: entry, Reason: fmt.Sprintf("bad mux_value: %v", err)}
		}
		sig.Mux = &MuxGuard{Selector: sel, Value: val}
	}
	def.Signals = append(def.Signals, sig)
	return nil
}

// parseTabularUint accepts decimal or 0x-prefixed hex cells.
func parseTabularUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), baseFor(s), 64)
}

func baseFor(s string) int {
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		return 16
	}
	return 10
}
