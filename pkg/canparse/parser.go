package canparse

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/busmill/canlog/pkg/canspec"
)

// Parser owns the configuration, the loaded specification, the detected
// protocol flags with their filtered view, and the accumulated message
// store. A Parser is a single-writer object: one parse must finish
// before the next starts on the same instance. Read accessors and the
// output writers borrow the store without copying it.
type Parser struct {
	opts options

	spec     *canspec.Specification
	flags    *canspec.Flags
	filtered *canspec.Filtered

	messages []*Message
	issues   []Issue

	logger *slog.Logger
}

// options holds the construction-time configuration. It is not mutated
// after New returns.
type options struct {
	mode      ErrorMode
	pattern   *LinePattern
	annexes   map[string][]string
	detection canspec.DetectionMode
	workers   int
	logger    *slog.Logger
}

// Option configures a Parser at construction.
type Option func(*options) error

// WithErrorMode sets how per-line failures are handled. Default strict.
func WithErrorMode(mode ErrorMode) Option {
	return func(o *options) error {
		o.mode = mode
		return nil
	}
}

// WithPattern replaces the default candump line pattern. idBase is the
// integer base of the identifier capture group.
func WithPattern(expr string, idBase int) Option {
	return func(o *options) error {
		p, err := NewLinePattern(expr, idBase)
		if err != nil {
			return err
		}
		o.pattern = p
		return nil
	}
}

// WithAnnex adds one specification source (file path or inline content)
// for a protocol tag. Repeated calls for the same tag merge additively.
func WithAnnex(tag, source string) Option {
	return func(o *options) error {
		if !canspec.IsKnownTag(tag) {
			return fmt.Errorf("unknown protocol tag %q", tag)
		}
		o.annexes[tag] = append(o.annexes[tag], source)
		return nil
	}
}

// WithAnnexes adds a map of protocol tag to specification sources.
func WithAnnexes(annexes map[string][]string) Option {
	return func(o *options) error {
		for tag, sources := range annexes {
			if !canspec.IsKnownTag(tag) {
				return fmt.Errorf("unknown protocol tag %q", tag)
			}
			o.annexes[tag] = append(o.annexes[tag], sources...)
		}
		return nil
	}
}

// WithDetection selects the protocol flag detection strategy. Default
// static.
func WithDetection(mode canspec.DetectionMode) Option {
	return func(o *options) error {
		o.detection = mode
		return nil
	}
}

// WithWorkers sets the worker count for batch parsing. Values above one
// enable chunk-parallel decoding; the output order is the same for any
// count. Default 1.
func WithWorkers(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("worker count must be at least 1, got %d", n)
		}
		o.workers = n
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// New constructs a Parser: loads and validates every annex source, and
// wires the configured pattern and error mode. Specification problems
// surface here as LoadError, never during parsing.
func New(opts ...Option) (*Parser, error) {
	o := options{
		mode:    ModeStrict,
		pattern: DefaultPattern(),
		annexes: make(map[string][]string),
		workers: 1,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	spec, err := canspec.Load(o.annexes)
	if err != nil {
		return nil, err
	}
	return &Parser{opts: o, spec: spec, logger: o.logger}, nil
}

// ParseFile reads and parses one log file, appending to the message
// store. Read failures are fatal regardless of error mode.
func (p *Parser) ParseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading log file: %w", err)
	}
	return p.ParseLines(lines)
}

// ParseLines parses an in-memory batch of lines, appending to the
// message store. Flags and the filtered specification are computed once,
// lazily, before the first parse.
func (p *Parser) ParseLines(lines []string) error {
	begin := time.Now()
	p.prepare(lines)

	s := &scheduler{
		pattern:  p.opts.pattern,
		filtered: p.filtered,
		mode:     p.opts.mode,
		workers:  p.opts.workers,
	}
	messages, issues, err := s.run(lines)
	if err != nil {
		return err
	}
	p.messages = append(p.messages, messages...)
	p.issues = append(p.issues, issues...)

	p.logger.Debug("parsed line batch",
		"lines", len(lines),
		"messages", len(messages),
		"issues", len(issues),
		"workers", p.opts.workers,
		"duration", time.Since(begin))
	return nil
}

// ParseLine decodes a single line without touching the message store. In
// warn mode an unknown identifier still yields the minimal record; in
// ignore mode it yields (nil, nil).
func (p *Parser) ParseLine(line string) (*Message, error) {
	p.prepare([]string{line})

	frame, err := p.opts.pattern.Extract(line)
	if err != nil {
		if p.opts.mode == ModeIgnore {
			return nil, nil
		}
		return nil, err
	}
	msg, failures := decodeFrame(frame, p.filtered)
	for _, fail := range failures {
		if fail.Kind != IssueUnknownID {
			continue // bit-range failures degrade the field only
		}
		switch p.opts.mode {
		case ModeStrict:
			return nil, fail
		case ModeIgnore:
			return nil, nil
		}
	}
	return msg, nil
}

// prepare computes the protocol flags and the filtered specification
// once, before the first parse. Observational detection samples the
// identifiers of the batch that triggered preparation.
func (p *Parser) prepare(lines []string) {
	if p.filtered != nil {
		return
	}
	var samples []canspec.SampleFrame
	if p.opts.detection == canspec.DetectObservational {
		for _, line := range lines {
			frame, err := p.opts.pattern.Extract(line)
			if err != nil {
				continue // the real parse classifies the failure
			}
			samples = append(samples, canspec.SampleFrame{ID: frame.ID.ID(), Extended: frame.ID.Extended})
		}
	}
	p.flags = canspec.Detect(p.spec, p.opts.detection, samples)
	p.filtered = canspec.Filter(p.spec, p.flags)
	p.logger.Debug("protocol flags detected",
		"mode", p.opts.detection.String(),
		"flags", p.flags.Tags())
}

// Messages returns the accumulated message store in input order. The
// slice is borrowed: callers must not mutate it.
func (p *Parser) Messages() []*Message { return p.messages }

// Issues returns the failures recorded so far in warn mode.
func (p *Parser) Issues() []Issue { return p.issues }

// Flags returns the detected protocol flags, or nil before the first
// parse.
func (p *Parser) Flags() *canspec.Flags { return p.flags }

// Filtered returns the filtered specification, computing it if no parse
// has run yet.
func (p *Parser) Filtered() *canspec.Filtered {
	p.prepare(nil)
	return p.filtered
}
