package canparse

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ToJSON streams the current state as one JSON document of the shape
//
//	{"spec": <filtered specification>, "flags": [...], "messages": [...]}
//
// Messages are encoded one at a time rather than materialized into a
// single value, keeping the writer's footprint independent of store
// size.
func (p *Parser) ToJSON(w io.Writer) error {
	if _, err := io.WriteString(w, `{"spec":`); err != nil {
		return fmt.Errorf("writing JSON output: %w", err)
	}
	spec, err := json.Marshal(p.Filtered())
	if err != nil {
		return fmt.Errorf("encoding filtered specification: %w", err)
	}
	if _, err := w.Write(spec); err != nil {
		return fmt.Errorf("writing JSON output: %w", err)
	}

	if _, err := io.WriteString(w, `,"flags":`); err != nil {
		return fmt.Errorf("writing JSON output: %w", err)
	}
	flags, err := json.Marshal(p.flags)
	if err != nil {
		return fmt.Errorf("encoding flags: %w", err)
	}
	if _, err := w.Write(flags); err != nil {
		return fmt.Errorf("writing JSON output: %w", err)
	}

	if _, err := io.WriteString(w, `,"messages":[`); err != nil {
		return fmt.Errorf("writing JSON output: %w", err)
	}
	for i, msg := range p.messages {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return fmt.Errorf("writing JSON output: %w", err)
			}
		}
		out, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding message %d: %w", i, err)
		}
		if _, err := w.Write(out); err != nil {
			return fmt.Errorf("writing JSON output: %w", err)
		}
	}
	if _, err := io.WriteString(w, "]}"); err != nil {
		return fmt.Errorf("writing JSON output: %w", err)
	}
	return nil
}

// JSONString renders the current state as a JSON string.
func (p *Parser) JSONString() (string, error) {
	var b strings.Builder
	if err := p.ToJSON(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// ToJSONFile writes the JSON document to a file.
func (p *Parser) ToJSONFile(path string) error {
	f, err := createOutput(path)
	if err != nil {
		return err
	}
	if err := p.ToJSON(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing JSON output: %w", err)
	}
	return nil
}
