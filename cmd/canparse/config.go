package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/busmill/canlog/pkg/canparse"
	"github.com/busmill/canlog/pkg/canspec"
)

// cliConfig is the flattened configuration behind the flags and the
// optional TOML config file. Flags win over file values.
type cliConfig struct {
	Mode    string
	Pattern string
	IDBase  int
	Workers int
	Detect  string
	Specs   []string // tag=source pairs from --spec
	annexes map[string][]string
}

// fileConfig is the raw shape of the TOML config file:
//
//	mode = "warn"
//	pattern = '...'
//	id_base = 16
//	workers = 4
//	detect = "static"
//
//	[specs]
//	j1939 = ["./specs/j1939.dbc"]
type fileConfig struct {
	Mode    string              `toml:"mode"`
	Pattern string              `toml:"pattern"`
	IDBase  int                 `toml:"id_base"`
	Workers int                 `toml:"workers"`
	Detect  string              `toml:"detect"`
	Specs   map[string][]string `toml:"specs"`
}

// mergeFile layers a TOML config file under the flag values: only keys
// present in the file and not set on the command line take effect.
func (c *cliConfig) mergeFile(path string, flagSet func(name string) bool) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}

	if meta.IsDefined("mode") && !flagSet("mode") {
		c.Mode = raw.Mode
	}
	if meta.IsDefined("pattern") && !flagSet("pattern") {
		c.Pattern = raw.Pattern
	}
	if meta.IsDefined("id_base") && !flagSet("id-base") {
		c.IDBase = raw.IDBase
	}
	if meta.IsDefined("workers") && !flagSet("workers") {
		c.Workers = raw.Workers
	}
	if meta.IsDefined("detect") && !flagSet("detect") {
		c.Detect = raw.Detect
	}
	for tag, sources := range raw.Specs {
		c.addAnnexes(tag, sources)
	}
	return nil
}

func (c *cliConfig) addAnnexes(tag string, sources []string) {
	if c.annexes == nil {
		c.annexes = make(map[string][]string)
	}
	c.annexes[tag] = append(c.annexes[tag], sources...)
}

// options turns the configuration into parser options.
func (c *cliConfig) options() ([]canparse.Option, error) {
	mode, err := canparse.ParseErrorMode(c.Mode)
	if err != nil {
		return nil, err
	}
	opts := []canparse.Option{canparse.WithErrorMode(mode)}

	switch strings.ToLower(c.Detect) {
	case "", "static":
	case "observational":
		opts = append(opts, canparse.WithDetection(canspec.DetectObservational))
	default:
		return nil, fmt.Errorf("unknown detection mode %q", c.Detect)
	}

	if c.Pattern != "" {
		opts = append(opts, canparse.WithPattern(c.Pattern, c.IDBase))
	}
	if c.Workers > 0 {
		opts = append(opts, canparse.WithWorkers(c.Workers))
	}

	for _, pair := range c.Specs {
		tag, source, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("bad --spec value %q, expected tag=source", pair)
		}
		c.addAnnexes(strings.TrimSpace(tag), []string{strings.TrimSpace(source)})
	}
	if len(c.annexes) > 0 {
		opts = append(opts, canparse.WithAnnexes(c.annexes))
	}
	return opts, nil
}
