package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/busmill/canlog/pkg/canparse"
)

var (
	cfg        cliConfig
	configPath string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "canparse",
		Short: "Decode CAN bus log files into structured records",
		Long:  "canparse decodes candump-style CAN bus logs against DBC, CSV, JSON or YAML signal specifications and exports the result as JSON, per-message CSV files, or a SQLite database.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			if configPath == "" {
				return nil
			}
			return cfg.mergeFile(configPath, cmd.Flags().Changed)
		},
	}

	outputFormat string
	outputPath   string
	outputBase   string
	force        bool

	parseCmd = &cobra.Command{
		Use:   "parse <logfile>",
		Short: "Parse a log file and export the decoded messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, err := newParser()
			if err != nil {
				return err
			}
			if err := parser.ParseFile(args[0]); err != nil {
				return err
			}
			for _, issue := range parser.Issues() {
				logrus.Warn(issue.String())
			}
			logrus.WithFields(logrus.Fields{
				"messages": len(parser.Messages()),
				"issues":   len(parser.Issues()),
			}).Debug("log file parsed")
			return export(parser, args[0])
		},
	}

	lineCmd = &cobra.Command{
		Use:   "line <text>",
		Short: "Decode a single log line and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, err := newParser()
			if err != nil {
				return err
			}
			msg, err := parser.ParseLine(args[0])
			if err != nil {
				return err
			}
			if msg == nil {
				logrus.Info("line dropped by error mode")
				return nil
			}
			return printJSON(msg)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "TOML config file")
	pf.StringArrayVar(&cfg.Specs, "spec", nil, "specification source as tag=path (repeatable)")
	pf.StringVar(&cfg.Mode, "mode", "warn", "error handling mode: strict, warn or ignore")
	pf.StringVar(&cfg.Pattern, "pattern", "", "line pattern with named groups timestamp, identifier, payload (default: candump dialect)")
	pf.IntVar(&cfg.IDBase, "id-base", 16, "integer base of the identifier group")
	pf.IntVar(&cfg.Workers, "workers", 0, "worker count for parallel decoding (0 = serial)")
	pf.StringVar(&cfg.Detect, "detect", "static", "protocol detection: static or observational")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	parseCmd.Flags().StringVarP(&outputFormat, "format", "f", "json", "output format: json, csv or sqlite")
	parseCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (json, sqlite) or directory (csv); json defaults to stdout")
	parseCmd.Flags().StringVar(&outputBase, "base", "", "CSV file name prefix (default: the log file stem)")
	parseCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing output file")

	rootCmd.AddCommand(parseCmd, lineCmd)
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newParser() (*canparse.Parser, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	return canparse.New(opts...)
}

// export writes the parser state in the selected format. logPath names
// the parsed file; it supplies the default CSV prefix.
func export(parser *canparse.Parser, logPath string) error {
	switch strings.ToLower(outputFormat) {
	case "json":
		if outputPath == "" {
			return parser.ToJSON(os.Stdout)
		}
		if err := removeIfForced(outputPath); err != nil {
			return err
		}
		return parser.ToJSONFile(outputPath)
	case "csv":
		dir := outputPath
		if dir == "" {
			dir = "."
		}
		base := outputBase
		if base == "" {
			base = strings.TrimSuffix(filepath.Base(logPath), filepath.Ext(logPath))
		}
		return parser.ToCSV(dir, base)
	case "sqlite":
		if outputPath == "" {
			return fmt.Errorf("sqlite output requires --output")
		}
		if err := removeIfForced(outputPath); err != nil {
			return err
		}
		return parser.ToSQLite(outputPath)
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}

func removeIfForced(path string) error {
	if !force {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing existing output: %w", err)
	}
	return nil
}

func printJSON(msg *canparse.Message) error {
	out, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
