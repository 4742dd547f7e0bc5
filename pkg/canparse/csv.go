package canparse

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/busmill/canlog/pkg/canspec"
)

// ToCSV writes one CSV file per message definition matched by the store,
// named <base>_<protocol>_<message>.csv under dir. Signal sets differ per
// message type, so a single flat table would need sparse padding; one
// file per type keeps every column meaningful. Each file's header is
// timestamp, id, data followed by that definition's signal names in
// declaration order. A field degraded by a bit-range failure is an empty
// cell. Minimal records match no definition and are not written.
func (p *Parser) ToCSV(dir, base string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	type sink struct {
		file   *os.File
		writer *csv.Writer
	}
	sinks := make(map[*canspec.MessageDef]*sink)
	closeAll := func() {
		for _, s := range sinks {
			s.file.Close()
		}
	}

	for _, msg := range p.messages {
		for _, def := range msg.Definitions() {
			s, ok := sinks[def]
			if !ok {
				path := filepath.Join(dir, outputName(base, def)+".csv")
				f, err := createOutput(path)
				if err != nil {
					closeAll()
					return err
				}
				s = &sink{file: f, writer: csv.NewWriter(f)}
				sinks[def] = s
				header := append([]string{"timestamp", "id", "data"}, def.SignalNames()...)
				if err := s.writer.Write(header); err != nil {
					closeAll()
					return fmt.Errorf("writing CSV header for %s: %w", def.Name, err)
				}
			}

			row := make([]string, 0, 3+len(def.Signals))
			row = append(row,
				strconv.FormatFloat(msg.Timestamp, 'f', -1, 64),
				fmt.Sprintf("%X", msg.ID),
				msg.Data)
			for _, name := range def.SignalNames() {
				row = append(row, formatValue(msg.Signals[name]))
			}
			if err := s.writer.Write(row); err != nil {
				closeAll()
				return fmt.Errorf("writing CSV row for %s: %w", def.Name, err)
			}
		}
	}

	for def, s := range sinks {
		s.writer.Flush()
		if err := s.writer.Error(); err != nil {
			closeAll()
			return fmt.Errorf("flushing CSV output for %s: %w", def.Name, err)
		}
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("closing CSV output for %s: %w", def.Name, err)
		}
		delete(sinks, def)
	}
	return nil
}

// outputName builds the per-definition file stem, lowercased with
// non-alphanumeric runs collapsed to underscores.
func outputName(base string, def *canspec.MessageDef) string {
	return sanitizeName(base) + "_" + sanitizeName(def.Protocol) + "_" + sanitizeName(def.Name)
}

func sanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// formatValue renders a decoded signal value as a CSV cell. A missing
// (degraded or mux-gated) field is empty.
func formatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}

// createOutput creates an output file, refusing to overwrite an existing
// one.
func createOutput(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, nil
}
