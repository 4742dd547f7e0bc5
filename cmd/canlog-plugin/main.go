package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/busmill/canlog/pkg/canparse"
)

// CanlogProcessor is a Benthos processor that decodes one CAN log line
// per message into a structured record using a loaded signal
// specification.
type CanlogProcessor struct {
	parser   *canparse.Parser
	logger   *service.Logger
	mDecoded *service.MetricCounter
	mMinimal *service.MetricCounter
	mErrors  *service.MetricCounter
}

func init() {
	err := service.RegisterProcessor(
		"canlog",
		canlogProcessorConfig(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Processor, error) {
			return newCanlogProcessorFromConfig(conf, mgr)
		},
	)
	if err != nil {
		panic(err)
	}
}

// canlogProcessorConfig returns a config spec for a canlog processor.
func canlogProcessorConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Decodes CAN bus log lines into structured signal records.").
		Description("Each message is treated as one text log line. The line is matched against the configured pattern, the payload is decoded against the loaded signal specifications, and the result replaces the message as a structured record.").
		Field(service.NewStringMapField("specs").
			Description("Map of protocol tag (can, j1939, uds, transport) to a specification source: a DBC, CSV, JSON or YAML file path, or inline content.").
			Example(map[string]any{"j1939": "./specs/j1939.dbc"})).
		Field(service.NewStringField("pattern").
			Description("Regular expression with named groups timestamp, identifier and payload. Leave empty for the candump dialect.").
			Default("")).
		Field(service.NewIntField("id_base").
			Description("Integer base of the identifier capture group.").
			Default(16)).
		Field(service.NewStringField("error_mode").
			Description("How undecodable lines are handled: strict, warn or ignore.").
			Default("warn")).
		Version("0.1.0")
}

// newCanlogProcessorFromConfig creates a new CanlogProcessor from a
// parsed config.
func newCanlogProcessorFromConfig(conf *service.ParsedConfig, mgr *service.Resources) (*CanlogProcessor, error) {
	specs, err := conf.FieldStringMap("specs")
	if err != nil {
		return nil, err
	}
	pattern, err := conf.FieldString("pattern")
	if err != nil {
		return nil, err
	}
	idBase, err := conf.FieldInt("id_base")
	if err != nil {
		return nil, err
	}
	modeName, err := conf.FieldString("error_mode")
	if err != nil {
		return nil, err
	}
	mode, err := canparse.ParseErrorMode(modeName)
	if err != nil {
		return nil, err
	}

	opts := []canparse.Option{canparse.WithErrorMode(mode)}
	for tag, source := range specs {
		opts = append(opts, canparse.WithAnnex(tag, source))
	}
	if pattern != "" {
		opts = append(opts, canparse.WithPattern(pattern, idBase))
	}

	parser, err := canparse.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("building CAN log parser: %w", err)
	}
	// Force flag detection now; afterwards ParseLine only reads shared
	// state and is safe for concurrent Process calls.
	parser.Filtered()

	metrics := mgr.Metrics()
	return &CanlogProcessor{
		parser:   parser,
		logger:   mgr.Logger(),
		mDecoded: metrics.NewCounter("canlog_decoded_messages"),
		mMinimal: metrics.NewCounter("canlog_minimal_records"),
		mErrors:  metrics.NewCounter("canlog_decode_errors"),
	}, nil
}

// Process decodes one log line message into a structured record.
func (c *CanlogProcessor) Process(ctx context.Context, msg *service.Message) (service.MessageBatch, error) {
	raw, err := msg.AsBytes()
	if err != nil {
		c.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("reading log line from message: %w", err))
		return service.MessageBatch{msg}, nil
	}

	decoded, err := c.parser.ParseLine(string(raw))
	if err != nil {
		c.logger.Debugf("Failed to decode log line: %v", err)
		c.mErrors.Incr(1)
		msg.SetError(err)
		return service.MessageBatch{msg}, nil
	}
	if decoded == nil {
		// Ignore mode drops undecodable lines.
		return nil, nil
	}

	if decoded.Matched() {
		c.mDecoded.Incr(1)
	} else {
		c.mMinimal.Incr(1)
	}

	out, err := json.Marshal(decoded)
	if err != nil {
		c.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("encoding decoded record: %w", err))
		return service.MessageBatch{msg}, nil
	}
	newMsg := service.NewMessage(out)
	msg.MetaWalk(func(key, value string) error {
		newMsg.MetaSet(key, value)
		return nil
	})
	return service.MessageBatch{newMsg}, nil
}

// Close the processor resources.
func (c *CanlogProcessor) Close(ctx context.Context) error {
	return nil
}

func main() {
	service.RunCLI(context.Background())
}
