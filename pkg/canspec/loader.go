package canspec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies a specification source format.
type Format int

const (
	FormatUnknown Format = iota
	// FormatObject is the self-describing JSON/YAML document format.
	FormatObject
	// FormatTabular is the CSV column-document format.
	FormatTabular
	// FormatDBC is the CAN database text format.
	FormatDBC
)

func (f Format) String() string {
	switch f {
	case FormatObject:
		return "object"
	case FormatTabular:
		return "tabular"
	case FormatDBC:
		return "dbc"
	default:
		return "unknown"
	}
}

// loader turns one source format into a protocol message set. The
// closed dispatch table below keys loaders by detected format.
type loader func(tag string, source string, data []byte) (*ProtocolSpec, error)

var loaders = map[Format]loader{
	FormatObject:  loadObject,
	FormatTabular: loadTabular,
	FormatDBC:     loadDBC,
}

// Load builds a Specification from a map of protocol tag to annex source.
// Each source may be a file path or inline content; the format is
// detected per source. Sources for the same tag merge additively, and a
// duplicate message key across sources is a LoadError.
func Load(annexes map[string][]string) (*Specification, error) {
	spec := NewSpecification()
	for tag, sources := range annexes {
		tag = strings.ToLower(tag)
		if !IsKnownTag(tag) {
			return nil, &LoadError{Source: tag, Reason: "unknown protocol tag"}
		}
		for _, source := range sources {
			proto, err := LoadSource(tag, source)
			if err != nil {
				return nil, err
			}
			if err := spec.merge(proto); err != nil {
				return nil, err
			}
		}
	}
	return spec, nil
}

// LoadSource loads one annex source (file path or inline content) into a
// protocol message set for tag.
func LoadSource(tag, source string) (*ProtocolSpec, error) {
	data, name, err := readSource(source)
	if err != nil {
		return nil, err
	}
	format := DetectFormat(name, data)
	load, ok := loaders[format]
	if !ok {
		return nil, &LoadError{Source: name, Reason: "unsupported specification format"}
	}
	proto, err := load(tag, name, data)
	if err != nil {
		return nil, err
	}
	for _, def := range proto.Messages {
		def.Protocol = tag
		if err := validateMessage(name, def); err != nil {
			return nil, err
		}
	}
	if err := checkDuplicateKeys(name, proto); err != nil {
		return nil, err
	}
	return proto, nil
}

// readSource resolves a source string to its bytes. Short strings that
// look like paths of existing files are read from disk; everything else
// is treated as inline content.
func readSource(source string) (data []byte, name string, err error) {
	if looksLikePath(source) {
		data, err = os.ReadFile(source)
		if err != nil {
			return nil, "", &LoadError{Source: source, Reason: fmt.Sprintf("reading specification file: %v", err)}
		}
		return data, source, nil
	}
	return []byte(source), "inline", nil
}

func looksLikePath(s string) bool {
	if len(s) > 4096 || strings.ContainsAny(s, "\n{") {
		return false
	}
	info, err := os.Stat(s)
	return err == nil && info.Mode().IsRegular()
}

// DetectFormat determines a source's format from its file extension,
// falling back to content sniffing for extensionless or inline sources.
func DetectFormat(name string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return FormatObject
	case ".csv":
		return FormatTabular
	case ".dbc":
		return FormatDBC
	}
	head := strings.TrimLeft(string(firstBytes(data, 512)), " \t\r\n")
	switch {
	case strings.HasPrefix(head, "{"):
		return FormatObject
	case strings.HasPrefix(head, "VERSION") || strings.HasPrefix(head, "BO_"):
		return FormatDBC
	case strings.HasPrefix(head, "protocol:") || strings.HasPrefix(head, "messages:"):
		return FormatObject
	case strings.Contains(firstLine(head), ","):
		return FormatTabular
	default:
		return FormatUnknown
	}
}

func firstBytes(data []byte, n int) []byte {
	if len(data) < n {
		return data
	}
	return data[:n]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// checkDuplicateKeys rejects duplicate identifiers within one source
// (cross-source duplicates are caught by Specification.merge).
func checkDuplicateKeys(source string, p *ProtocolSpec) error {
	seen := make(map[uint64]string, len(p.Messages))
	for _, def := range p.Messages {
		key := uint64(def.ID)<<32 | uint64(def.Mask)
		if prev, dup := seen[key]; dup {
			return &LoadError{
				Source: source,
				Entry:  def.Name,
				Reason: fmt.Sprintf("identifier 0x%X already defined by message %s", def.ID, prev),
			}
		}
		seen[key] = def.Name
	}
	return nil
}
