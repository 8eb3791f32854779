// Command wsctl is a command-line client for the well-scenario server. It
// lists profiles and stored scenarios, triggers generation, exports CSV and
// charts, and runs headless annotation sessions.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sakihiromi/well-scenario/internal/client"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultServer = "http://localhost:5000"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	server  string
	timeout time.Duration
	format  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:   "wsctl",
		Short: "Command-line client for the well-scenario server",
		Long: `wsctl talks to a running well-scenario server over its HTTP API.

Examples:
  wsctl profiles                                   # List profile files
  wsctl generate --purpose 予算会議 --meeting-format 対面 --profile team.json
  wsctl outputs                                    # List stored scenarios
  wsctl show scenario_20250101_120000.json -f json
  wsctl annotate scenario_20250101_120000.json --set 3:intimidation=7
  wsctl chart scenario_20250101_120000.json bias -o bias.png`,
		Version:      version,
		SilenceUsage: true,
	}

	def := os.Getenv("WELLSCENARIO_URL")
	if def == "" {
		def = defaultServer
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.server, "server", def, "server base URL (env WELLSCENARIO_URL)")
	pf.DurationVar(&o.timeout, "timeout", 10*time.Minute, "per-request timeout")
	pf.StringVarP(&o.format, "format", "f", "yaml", "structured output format: yaml or json")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newProfilesCmd(o),
		newMetricsCmd(o),
		newGenerateCmd(o),
		newOutputsCmd(o),
		newShowCmd(o),
		newHistoryCmd(o),
		newAgreementCmd(o),
		newCSVCmd(o),
		newChartCmd(o),
		newAnnotateCmd(o),
	)
	return root
}

func (o *rootOptions) client() (*client.Client, error) {
	return client.New(o.server, client.WithTimeout(o.timeout))
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// write renders v in the selected structured format. YAML keeps the JSON
// field names and order by re-reading the JSON encoding as a YAML document.
func (o *rootOptions) write(w io.Writer, v any) error {
	raw, err := marshalJSON(v)
	if err != nil {
		return err
	}
	switch o.format {
	case "json":
		_, err := w.Write(raw)
		return err
	case "yaml", "yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("convert to yaml: %w", err)
		}
		blockStyle(&doc)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want yaml or json)", o.format)
	}
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if raw, ok := v.(json.RawMessage); ok {
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	}
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// blockStyle clears the flow style the JSON input leaves on every node.
func blockStyle(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style = 0
	}
	if n.Kind == yaml.ScalarNode && n.Style == yaml.DoubleQuotedStyle {
		n.Style = 0
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// describe turns client errors into one-line messages for the terminal.
func describe(err error) error {
	var ae *client.ApplicationError
	if errors.As(err, &ae) {
		return fmt.Errorf("server: %s", ae.Message)
	}
	return err
}
