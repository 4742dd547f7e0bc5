package canparse

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"github.com/busmill/canlog/pkg/canspec"
)

// Raw identifier layout constants. The upper bits of a 32-bit socketcan
// style identifier carry frame flags rather than address bits.
const (
	sffIDMask = 0x000007FF // standard (11-bit) identifier
	effIDMask = 0x1FFFFFFF // extended (29-bit) identifier
	rtrFlag   = 0x40000000 // remote transmission request
	errFlag   = 0x20000000 // error frame
)

// CANID is a frame identifier split into its addressing parts. The J1939
// fields are only populated for extended identifiers.
type CANID struct {
	Raw      uint32 `json:"raw"`
	Extended bool   `json:"extended"`
	RTR      bool   `json:"rtr,omitempty"`
	Error    bool   `json:"error,omitempty"`

	// J1939 anatomy of an extended identifier.
	Priority    uint8  `json:"priority,omitempty"`
	PGN         uint32 `json:"pgn,omitempty"`
	Source      uint8  `json:"source,omitempty"`
	Destination uint8  `json:"destination,omitempty"`
}

// SplitCANID derives the addressing parts of a raw identifier. An
// identifier above the 11-bit range is treated as extended.
func SplitCANID(raw uint32) CANID {
	id := CANID{
		Raw:   raw,
		RTR:   raw&rtrFlag != 0,
		Error: raw&errFlag != 0,
	}
	addr := raw & effIDMask
	id.Extended = addr > sffIDMask
	if !id.Extended {
		return id
	}
	id.Priority = uint8((addr >> 26) & 0x7)
	id.PGN = canspec.PGNFromID(addr)
	id.Source = uint8(addr & 0xFF)
	if pf := (addr >> 16) & 0xFF; pf < 240 {
		id.Destination = uint8((addr >> 8) & 0xFF)
	} else {
		id.Destination = 0xFF // PDU2 is broadcast
	}
	return id
}

// ID returns the address bits used for specification lookup.
func (c CANID) ID() uint32 {
	if c.Extended {
		return c.Raw & effIDMask
	}
	return c.Raw & sffIDMask
}

// Frame is one extracted log line: the parsed timestamp, the split
// identifier, and the decoded payload. Hex keeps the payload's original
// text for traceability.
type Frame struct {
	Timestamp float64
	Interface string
	ID        CANID
	Data      []byte
	Hex       string
}

// DefaultPatternExpr matches the candump text dialect, e.g.
//
//	(1690000000.123456) can0 123#0102030405060708
const DefaultPatternExpr = `^\((?P<timestamp>\d+\.?\d*)\)\s+(?P<interface>\S+)\s+(?P<identifier>[0-9A-Fa-f]+)#(?P<payload>[0-9A-Fa-f]*)`

// LinePattern extracts frames from log lines. The expression is supplied
// by the caller to cover the variety of real log dialects; it must carry
// named capture groups identifier and payload, and should carry
// timestamp. The identifier group is parsed in the configured base.
type LinePattern struct {
	re     *regexp.Regexp
	idBase int

	timestampIdx int
	interfaceIdx int
	idIdx        int
	payloadIdx   int
}

// NewLinePattern compiles a line pattern. idBase is the integer base of
// the identifier group, 16 for the common hex dialects.
func NewLinePattern(expr string, idBase int) (*LinePattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compiling line pattern: %w", err)
	}
	if idBase != 10 && idBase != 16 {
		return nil, fmt.Errorf("identifier base must be 10 or 16, got %d", idBase)
	}
	p := &LinePattern{re: re, idBase: idBase, timestampIdx: -1, interfaceIdx: -1, idIdx: -1, payloadIdx: -1}
	for i, name := range re.SubexpNames() {
		switch name {
		case "timestamp":
			p.timestampIdx = i
		case "interface":
			p.interfaceIdx = i
		case "identifier":
			p.idIdx = i
		case "payload":
			p.payloadIdx = i
		}
	}
	if p.idIdx < 0 || p.payloadIdx < 0 {
		return nil, fmt.Errorf("line pattern must define named groups identifier and payload")
	}
	return p, nil
}

// DefaultPattern returns the candump dialect pattern.
func DefaultPattern() *LinePattern {
	p, err := NewLinePattern(DefaultPatternExpr, 16)
	if err != nil {
		panic(err) // the built-in expression always compiles
	}
	return p
}

// Extract applies the pattern to one line. The payload hex text is
// decoded to bytes here; malformed payloads are an ExtractError, not a
// decode failure.
func (p *LinePattern) Extract(line string) (*Frame, error) {
	match := p.re.FindStringSubmatch(line)
	if match == nil {
		return nil, &ExtractError{Kind: IssuePattern, Reason: "line does not match the configured pattern"}
	}

	frame := &Frame{}
	if p.timestampIdx >= 0 && match[p.timestampIdx] != "" {
		ts, err := strconv.ParseFloat(match[p.timestampIdx], 64)
		if err != nil {
			return nil, &ExtractError{Kind: IssuePattern, Reason: fmt.Sprintf("bad timestamp %q", match[p.timestampIdx])}
		}
		frame.Timestamp = ts
	}
	if p.interfaceIdx >= 0 {
		frame.Interface = match[p.interfaceIdx]
	}

	rawID, err := strconv.ParseUint(match[p.idIdx], p.idBase, 32)
	if err != nil {
		return nil, &ExtractError{Kind: IssuePattern, Reason: fmt.Sprintf("bad identifier %q", match[p.idIdx])}
	}
	frame.ID = SplitCANID(uint32(rawID))

	payload := match[p.payloadIdx]
	if len(payload)%2 != 0 {
		return nil, &ExtractError{Kind: IssuePayload, Reason: fmt.Sprintf("odd-length payload %q", payload)}
	}
	data, err := hex.DecodeString(payload)
	if err != nil {
		return nil, &ExtractError{Kind: IssuePayload, Reason: fmt.Sprintf("non-hex payload %q", payload)}
	}
	frame.Data = data
	frame.Hex = payload
	return frame, nil
}
