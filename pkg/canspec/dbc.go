package canspec

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// dbcTokenType defines the token types of the DBC grammar subset the
// loader understands.
type dbcTokenType int

const (
	dbcILLEGAL dbcTokenType = iota
	dbcEOL

	dbcIDENT  // BO_, SG_, EngineSpeed, Vector__XXX
	dbcNUMBER // 2364540158, 0.125, -273
	dbcSTRING // "rpm"

	dbcCOLON     // :
	dbcPIPE      // |
	dbcAT        // @
	dbcPLUS      // +
	dbcMINUS     // -
	dbcLPAREN    // (
	dbcRPAREN    // )
	dbcCOMMA     // ,
	dbcLBRACKET  // [
	dbcRBRACKET  // ]
	dbcSEMICOLON // ;
)

type dbcToken struct {
	Type    dbcTokenType
	Literal string
}

// dbcLexer tokenizes one DBC statement line at a time.
type dbcLexer struct {
	line string
	pos  int
}

func (l *dbcLexer) next() dbcToken {
	for l.pos < len(l.line) && (l.line[l.pos] == ' ' || l.line[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.line) {
		return dbcToken{Type: dbcEOL}
	}
	ch := l.line[l.pos]
	switch ch {
	case ':':
		l.pos++
		return dbcToken{Type: dbcCOLON, Literal: ":"}
	case '|':
		l.pos++
		return dbcToken{Type: dbcPIPE, Literal: "|"}
	case '@':
		l.pos++
		return dbcToken{Type: dbcAT, Literal: "@"}
	case '+':
		l.pos++
		return dbcToken{Type: dbcPLUS, Literal: "+"}
	case '(':
		l.pos++
		return dbcToken{Type: dbcLPAREN, Literal: "("}
	case ')':
		l.pos++
		return dbcToken{Type: dbcRPAREN, Literal: ")"}
	case ',':
		l.pos++
		return dbcToken{Type: dbcCOMMA, Literal: ","}
	case '[':
		l.pos++
		return dbcToken{Type: dbcLBRACKET, Literal: "["}
	case ']':
		l.pos++
		return dbcToken{Type: dbcRBRACKET, Literal: "]"}
	case ';':
		l.pos++
		return dbcToken{Type: dbcSEMICOLON, Literal: ";"}
	case '"':
		return l.lexString()
	case '-':
		if l.pos+1 < len(l.line) && isDBCDigit(l.line[l.pos+1]) {
			return l.lexNumber()
		}
		l.pos++
		return dbcToken{Type: dbcMINUS, Literal: "-"}
	}
	if isDBCDigit(ch) {
		return l.lexNumber()
	}
	if isDBCIdentStart(ch) {
		return l.lexIdent()
	}
	l.pos++
	return dbcToken{Type: dbcILLEGAL, Literal: string(ch)}
}

func (l *dbcLexer) lexString() dbcToken {
	l.pos++ // opening quote
	start := l.pos
	for l.pos < len(l.line) && l.line[l.pos] != '"' {
		l.pos++
	}
	lit := l.line[start:l.pos]
	if l.pos < len(l.line) {
		l.pos++ // closing quote
	}
	return dbcToken{Type: dbcSTRING, Literal: lit}
}

func (l *dbcLexer) lexNumber() dbcToken {
	start := l.pos
	if l.line[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.line) && (isDBCDigit(l.line[l.pos]) || l.line[l.pos] == '.' ||
		l.line[l.pos] == 'e' || l.line[l.pos] == 'E' ||
		((l.line[l.pos] == '+' || l.line[l.pos] == '-') && (l.line[l.pos-1] == 'e' || l.line[l.pos-1] == 'E'))) {
		l.pos++
	}
	return dbcToken{Type: dbcNUMBER, Literal: l.line[start:l.pos]}
}

func (l *dbcLexer) lexIdent() dbcToken {
	start := l.pos
	for l.pos < len(l.line) && isDBCIdentPart(l.line[l.pos]) {
		l.pos++
	}
	return dbcToken{Type: dbcIDENT, Literal: l.line[start:l.pos]}
}

func isDBCDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isDBCIdentStart(ch byte) bool {
	return ch == '_' || unicode.IsLetter(rune(ch))
}

func isDBCIdentPart(ch byte) bool {
	return ch == '_' || unicode.IsLetter(rune(ch)) || isDBCDigit(ch)
}

// dbcExtendedFlag marks extended (29-bit) identifiers in BO_ statements.
const dbcExtendedFlag = 0x80000000

// loadDBC parses the DBC text database format. Multiplexed signals
// become ordinary SignalDefs gated by the message's multiplexer switch.
// Statements outside the supported subset (node lists, attributes,
// value tables) are skipped.
func loadDBC(tag, source string, data []byte) (*ProtocolSpec, error) {
	proto := &ProtocolSpec{Tag: tag}
	if tag == TagJ1939 {
		proto.Keying = KeyPGN
	}

	byID := make(map[uint32]*MessageDef)
	switches := make(map[*MessageDef]string)
	var current *MessageDef

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			current = nil
			continue
		}
		keyword := line
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			keyword = line[:i]
		}
		var err error
		switch keyword {
		case "BO_":
			current, err = parseDBCMessage(line, proto, byID)
		case "SG_":
			if current == nil {
				err = fmt.Errorf("SG_ outside of a BO_ block")
			} else {
				err = parseDBCSignal(line, current, switches)
			}
		case "VAL_":
			current = nil
			err = parseDBCValueTable(line, byID, proto)
		case "CM_":
			current = nil
			parseDBCComment(line, byID)
		default:
			// VERSION, NS_, BS_, BU_, BA_ and friends carry no signal
			// layout information.
			current = nil
		}
		if err != nil {
			return nil, &LoadError{Source: source, Entry: fmt.Sprintf("line %d", lineNo), Reason: err.Error()}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &LoadError{Source: source, Reason: err.Error()}
	}
	if len(proto.Messages) == 0 {
		return nil, &LoadError{Source: source, Reason: "specification defines no messages"}
	}
	if err := resolveDBCMultiplexing(source, proto, switches); err != nil {
		return nil, err
	}
	return proto, nil
}

// parseDBCMessage parses: BO_ <id> <name>: <dlc> <transmitter>
func parseDBCMessage(line string, proto *ProtocolSpec, byID map[uint32]*MessageDef) (*MessageDef, error) {
	lex := &dbcLexer{line: line}
	lex.next() // BO_
	idTok := lex.next()
	if idTok.Type != dbcNUMBER {
		return nil, fmt.Errorf("BO_: expected numeric identifier, got %q", idTok.Literal)
	}
	rawID, err := strconv.ParseUint(idTok.Literal, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("BO_: identifier: %w", err)
	}
	nameTok := lex.next()
	if nameTok.Type != dbcIDENT {
		return nil, fmt.Errorf("BO_: expected message name, got %q", nameTok.Literal)
	}
	if tok := lex.next(); tok.Type != dbcCOLON {
		return nil, fmt.Errorf("BO_: expected ':' after message name")
	}
	dlcTok := lex.next()
	if dlcTok.Type != dbcNUMBER {
		return nil, fmt.Errorf("BO_: expected payload length, got %q", dlcTok.Literal)
	}
	dlc, err := strconv.ParseUint(dlcTok.Literal, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("BO_: payload length: %w", err)
	}

	id := uint32(rawID)
	extended := id&dbcExtendedFlag != 0
	id &^= dbcExtendedFlag
	if proto.Keying == KeyPGN && extended {
		id = PGNFromID(id)
	}

	def := &MessageDef{ID: id, Name: nameTok.Literal, Length: uint(dlc)}
	byID[id] = def
	proto.Messages = append(proto.Messages, def)
	return def, nil
}

// parseDBCSignal parses:
//
//	SG_ <name> [M|m<value>] : <start>|<length>@<order><sign> (<scale>,<offset>) [<min>|<max>] "<unit>" <receivers>
func parseDBCSignal(line string, def *MessageDef, switches map[*MessageDef]string) error {
	lex := &dbcLexer{line: line}
	lex.next() // SG_
	nameTok := lex.next()
	if nameTok.Type != dbcIDENT {
		return fmt.Errorf("SG_: expected signal name, got %q", nameTok.Literal)
	}
	sig := SignalDef{Name: nameTok.Literal, Scale: 1}

	tok := lex.next()
	var muxValue *uint64
	if tok.Type == dbcIDENT {
		// Multiplexer indicator: M marks the switch, m<value> a gated signal.
		switch {
		case tok.Literal == "M":
			switches[def] = sig.Name
		case strings.HasPrefix(tok.Literal, "m"):
			v, err := strconv.ParseUint(tok.Literal[1:], 10, 64)
			if err != nil {
				return fmt.Errorf("SG_ %s: multiplexer indicator %q: %w", sig.Name, tok.Literal, err)
			}
			muxValue = &v
		default:
			return fmt.Errorf("SG_ %s: unexpected token %q", sig.Name, tok.Literal)
		}
		tok = lex.next()
	}
	if tok.Type != dbcCOLON {
		return fmt.Errorf("SG_ %s: expected ':'", sig.Name)
	}

	startTok := lex.next()
	if startTok.Type != dbcNUMBER {
		return fmt.Errorf("SG_ %s: expected start bit", sig.Name)
	}
	start, err := strconv.ParseUint(startTok.Literal, 10, 16)
	if err != nil {
		return fmt.Errorf("SG_ %s: start bit: %w", sig.Name, err)
	}
	if tok := lex.next(); tok.Type != dbcPIPE {
		return fmt.Errorf("SG_ %s: expected '|'", sig.Name)
	}
	lenTok := lex.next()
	if lenTok.Type != dbcNUMBER {
		return fmt.Errorf("SG_ %s: expected bit length", sig.Name)
	}
	length, err := strconv.ParseUint(lenTok.Literal, 10, 8)
	if err != nil {
		return fmt.Errorf("SG_ %s: bit length: %w", sig.Name, err)
	}
	sig.Length = uint(length)
	if tok := lex.next(); tok.Type != dbcAT {
		return fmt.Errorf("SG_ %s: expected '@'", sig.Name)
	}
	orderTok := lex.next()
	switch orderTok.Literal {
	case "1":
		sig.Order = LittleEndian
		sig.Start = uint(start)
	case "0":
		sig.Order = BigEndian
		// DBC big-endian start bits use sawtooth numbering (bit 7 of
		// byte 0 is bit 7); normalize to MSB-of-byte-0-is-bit-0.
		sig.Start = uint(start/8)*8 + (7 - uint(start)%8)
	default:
		return fmt.Errorf("SG_ %s: byte order must be @0 or @1, got %q", sig.Name, orderTok.Literal)
	}
	signTok := lex.next()
	switch signTok.Type {
	case dbcPLUS:
		sig.Kind = Unsigned
	case dbcMINUS:
		sig.Kind = Signed
	default:
		return fmt.Errorf("SG_ %s: expected '+' or '-' sign", sig.Name)
	}

	if tok := lex.next(); tok.Type != dbcLPAREN {
		return fmt.Errorf("SG_ %s: expected '('", sig.Name)
	}
	if sig.Scale, err = parseDBCFloat(lex); err != nil {
		return fmt.Errorf("SG_ %s: scale: %w", sig.Name, err)
	}
	if tok := lex.next(); tok.Type != dbcCOMMA {
		return fmt.Errorf("SG_ %s: expected ','", sig.Name)
	}
	if sig.Offset, err = parseDBCFloat(lex); err != nil {
		return fmt.Errorf("SG_ %s: offset: %w", sig.Name, err)
	}
	if tok := lex.next(); tok.Type != dbcRPAREN {
		return fmt.Errorf("SG_ %s: expected ')'", sig.Name)
	}

	if tok := lex.next(); tok.Type != dbcLBRACKET {
		return fmt.Errorf("SG_ %s: expected '['", sig.Name)
	}
	if sig.Min, err = parseDBCFloat(lex); err != nil {
		return fmt.Errorf("SG_ %s: min: %w", sig.Name, err)
	}
	if tok := lex.next(); tok.Type != dbcPIPE {
		return fmt.Errorf("SG_ %s: expected '|'", sig.Name)
	}
	if sig.Max, err = parseDBCFloat(lex); err != nil {
		return fmt.Errorf("SG_ %s: max: %w", sig.Name, err)
	}
	if tok := lex.next(); tok.Type != dbcRBRACKET {
		return fmt.Errorf("SG_ %s: expected ']'", sig.Name)
	}

	unitTok := lex.next()
	if unitTok.Type != dbcSTRING {
		return fmt.Errorf("SG_ %s: expected quoted unit", sig.Name)
	}
	sig.Unit = unitTok.Literal

	if muxValue != nil {
		// Selector resolved after the whole message is parsed; the
		// switch signal may be declared later in the block.
		sig.Mux = &MuxGuard{Value: *muxValue}
	}
	def.Signals = append(def.Signals, sig)
	return nil
}

func parseDBCFloat(lex *dbcLexer) (float64, error) {
	tok := lex.next()
	if tok.Type != dbcNUMBER {
		return 0, fmt.Errorf("expected number, got %q", tok.Literal)
	}
	return strconv.ParseFloat(tok.Literal, 64)
}

// parseDBCValueTable parses: VAL_ <id> <signal> <raw> "label" ... ;
func parseDBCValueTable(line string, byID map[uint32]*MessageDef, proto *ProtocolSpec) error {
	lex := &dbcLexer{line: line}
	lex.next() // VAL_
	idTok := lex.next()
	if idTok.Type != dbcNUMBER {
		// Value table definitions (VAL_TABLE_ style references) are skipped.
		return nil
	}
	rawID, err := strconv.ParseUint(idTok.Literal, 10, 32)
	if err != nil {
		return fmt.Errorf("VAL_: identifier: %w", err)
	}
	id := uint32(rawID)
	extended := id&dbcExtendedFlag != 0
	id &^= dbcExtendedFlag
	if proto.Keying == KeyPGN && extended {
		id = PGNFromID(id)
	}
	def, ok := byID[id]
	if !ok {
		return nil // labels for an unknown message are ignored
	}
	nameTok := lex.next()
	if nameTok.Type != dbcIDENT {
		return fmt.Errorf("VAL_: expected signal name")
	}
	sig := def.Signal(nameTok.Literal)
	if sig == nil {
		return nil
	}
	labels := make(map[uint64]string)
	for {
		valTok := lex.next()
		if valTok.Type == dbcSEMICOLON || valTok.Type == dbcEOL {
			break
		}
		if valTok.Type != dbcNUMBER {
			return fmt.Errorf("VAL_ %s: expected raw value, got %q", nameTok.Literal, valTok.Literal)
		}
		raw, err := strconv.ParseInt(valTok.Literal, 10, 64)
		if err != nil {
			return fmt.Errorf("VAL_ %s: raw value: %w", nameTok.Literal, err)
		}
		labelTok := lex.next()
		if labelTok.Type != dbcSTRING {
			return fmt.Errorf("VAL_ %s: expected quoted label", nameTok.Literal)
		}
		labels[uint64(raw)] = labelTok.Literal
	}
	if len(labels) > 0 {
		sig.Enum = labels
		sig.Kind = Enumerated
	}
	return nil
}

// parseDBCComment attaches CM_ BO_/SG_ comments to their definitions.
// Comments are best-effort; malformed ones are skipped silently.
func parseDBCComment(line string, byID map[uint32]*MessageDef) {
	lex := &dbcLexer{line: line}
	lex.next() // CM_
	kindTok := lex.next()
	if kindTok.Type != dbcIDENT {
		return
	}
	idTok := lex.next()
	if idTok.Type != dbcNUMBER {
		return
	}
	rawID, err := strconv.ParseUint(idTok.Literal, 10, 32)
	if err != nil {
		return
	}
	def, ok := byID[uint32(rawID)&^uint32(dbcExtendedFlag)]
	if !ok {
		return
	}
	switch kindTok.Literal {
	case "BO_":
		if tok := lex.next(); tok.Type == dbcSTRING {
			def.Comment = tok.Literal
		}
	case "SG_":
		nameTok := lex.next()
		if nameTok.Type != dbcIDENT {
			return
		}
		if sig := def.Signal(nameTok.Literal); sig != nil {
			if tok := lex.next(); tok.Type == dbcSTRING {
				sig.Comment = tok.Literal
			}
		}
	}
}

// resolveDBCMultiplexing fills in the selector name of every gated signal
// from its message's multiplexer switch.
func resolveDBCMultiplexing(source string, proto *ProtocolSpec, switches map[*MessageDef]string) error {
	for _, def := range proto.Messages {
		selector, hasSwitch := switches[def]
		for i := range def.Signals {
			if def.Signals[i].Mux == nil {
				continue
			}
			if !hasSwitch {
				return &LoadError{
					Source: source,
					Entry:  fmt.Sprintf("%s.%s", def.Name, def.Signals[i].Name),
					Reason: "multiplexed signal without a multiplexer switch in the message",
				}
			}
			def.Signals[i].Mux.Selector = selector
		}
	}
	return nil
}

// PGNFromID extracts the J1939 parameter group number from a 29-bit
// extended identifier (PDU1 formats zero the destination byte).
func PGNFromID(id uint32) uint32 {
	pf := (id >> 16) & 0x3FF // includes the data page bits
	ps := (id >> 8) & 0xFF
	if pf&0xFF >= 240 {
		return pf<<8 | ps
	}
	return pf << 8
}
