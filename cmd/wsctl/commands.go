package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sakihiromi/well-scenario/internal/client"
	"github.com/sakihiromi/well-scenario/internal/overlay/chartrender"
	"github.com/sakihiromi/well-scenario/internal/scenario"
)

func newProfilesCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles [name]",
		Short: "List profile files, or show the participants of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				ps, err := c.GetProfile(cmd.Context(), args[0])
				if err != nil {
					return describe(err)
				}
				return o.write(cmd.OutOrStdout(), ps)
			}
			list, err := c.ListProfiles(cmd.Context())
			if err != nil {
				return describe(err)
			}
			for _, p := range list {
				fmt.Fprintln(cmd.OutOrStdout(), p.Name)
			}
			return nil
		},
	}
}

func newMetricsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show the metric definitions used in annotation prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			defs, err := c.MetricDefinitions(cmd.Context())
			if err != nil {
				return describe(err)
			}
			return o.write(cmd.OutOrStdout(), defs)
		},
	}
}

type generateOptions struct {
	purpose       string
	meetingFormat string
	profile       string
	utterances    int
	focus         []string
	targetRatio   float64
	full          bool
}

func newGenerateCmd(o *rootOptions) *cobra.Command {
	g := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate, annotate and store a new scenario",
		Long: `Generate a meeting scenario with the server's LLM pipeline. The scenario is
annotated by the machine annotator and stored; the stored file name is
printed on success.

Examples:
  wsctl generate --purpose 予算会議 --meeting-format 対面 --profile team.json
  wsctl generate --purpose 定例 --meeting-format オンライン --profile team.json \
      --focus 威圧度 --target-ratio 0.3 -n 30`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			req := client.GenerateRequest{
				MeetingPurpose:  g.purpose,
				MeetingFormat:   g.meetingFormat,
				ProfileFilename: g.profile,
				NumUtterances:   g.utterances,
				FocusMetrics:    g.focus,
			}
			if cmd.Flags().Changed("target-ratio") {
				req.TargetRatio = &g.targetRatio
			}
			resp, err := c.GenerateScenario(cmd.Context(), req)
			if err != nil {
				return describe(err)
			}
			if g.full {
				return o.write(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d utterances)\n", resp.Filename(), len(resp.Scenario))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&g.purpose, "purpose", "", "meeting purpose (required)")
	f.StringVar(&g.meetingFormat, "meeting-format", "", "meeting format (required)")
	f.StringVar(&g.profile, "profile", "", "participant profile file name (required)")
	f.IntVarP(&g.utterances, "utterances", "n", 0, "number of utterances (server default when 0)")
	f.StringSliceVar(&g.focus, "focus", nil, "metrics the scenario should exhibit")
	f.Float64Var(&g.targetRatio, "target-ratio", 0, "share of utterances exhibiting the focus metrics, in (0,1]")
	f.BoolVar(&g.full, "full", false, "print the whole response instead of the file name")
	return cmd
}

func newOutputsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "List stored scenarios, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			list, err := c.ListOutputs(cmd.Context())
			if err != nil {
				return describe(err)
			}
			return writeOutputTable(cmd.OutOrStdout(), list)
		},
	}
}

func writeOutputTable(w io.Writer, list []scenario.OutputSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILENAME\tGENERATED\tUTTERANCES\tPROFILE\tPURPOSE")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			s.Filename, s.GeneratedAt, s.NumUtterances, s.ProfileFilename, s.MeetingPurpose)
	}
	return tw.Flush()
}

func newShowCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <filename>",
		Short: "Print a stored scenario document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			doc, err := c.GetOutput(cmd.Context(), args[0])
			if err != nil {
				return describe(err)
			}
			return o.write(cmd.OutOrStdout(), doc)
		},
	}
}

func newHistoryCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <filename>",
		Short: "Print the recorded human edits of a stored scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			h, err := c.AnnotationHistory(cmd.Context(), args[0])
			if err != nil {
				return describe(err)
			}
			return o.write(cmd.OutOrStdout(), h)
		},
	}
}

func newAgreementCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agreement <filename>",
		Short: "Compare human overrides with machine scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			a, err := c.Agreement(cmd.Context(), args[0])
			if err != nil {
				return describe(err)
			}
			return o.write(cmd.OutOrStdout(), a)
		},
	}
}

func newCSVCmd(o *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "csv <filename>",
		Short: "Export a stored scenario as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			return download(cmd, out, func(w io.Writer) error {
				return c.DownloadCSV(cmd.Context(), args[0], w)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newChartCmd(o *rootOptions) *cobra.Command {
	var (
		out   string
		image string
	)
	cmd := &cobra.Command{
		Use:   "chart <filename> <metric>",
		Short: "Render the chart of one metric as PNG or SVG",
		Long: `Render the human/machine chart of one metric, as the server draws it.
The metric is given by ID (intimidation, deviation, ineffectiveness, bias)
or by display name.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ok := scenario.LookupMetric(args[1])
			if !ok {
				return fmt.Errorf("unknown metric %q", args[1])
			}
			if _, err := chartrender.ParseFormat(image); err != nil {
				return err
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			return download(cmd, out, func(w io.Writer) error {
				return c.DownloadChart(cmd.Context(), args[0], m.ID, image, w)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&image, "image", "png", "image format: png or svg")
	return cmd
}

// download streams fetch into path, or stdout when path is empty. A failed
// download removes the partial file.
func download(cmd *cobra.Command, path string, fetch func(io.Writer) error) error {
	if path == "" {
		return describe(fetch(cmd.OutOrStdout()))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fetch(f); err != nil {
		f.Close()
		os.Remove(path)
		return describe(err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "wrote", path)
	return nil
}

// trimPreview shortens s to n runes for terminal output.
func trimPreview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
