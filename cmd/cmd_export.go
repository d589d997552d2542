// cmd_export.go - Export Commands (trace, onnx, all)
// Hauptfunktionen: ExportHandler, printResults
package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/neuralmidifx/grooveexport/envconfig"
	"github.com/neuralmidifx/grooveexport/export"
)

// exportOptions sammelt alle Flags der Export Commands
type exportOptions struct {
	output      string
	keepGoing   bool
	check       bool
	runtime     bool
	submodule   string
	seed        uint64
	shape       []int
	metricsFile string
}

func readExportOptions(cmd *cobra.Command) (exportOptions, error) {
	var opts exportOptions
	var errs []error

	flags := cmd.Flags()
	defined := func(name string) bool {
		return flags.Lookup(name) != nil
	}

	get := func(err error) {
		errs = append(errs, err)
	}

	var err error
	opts.output, err = flags.GetString("output")
	get(err)
	opts.keepGoing, err = flags.GetBool("keep-going")
	get(err)
	opts.seed, err = flags.GetUint64("seed")
	get(err)
	opts.metricsFile, err = flags.GetString("metrics-file")
	get(err)

	// pflag liefert fuer ungesetzte Slices []int{}, nicht nil
	if flags.Changed("shape") {
		opts.shape, err = flags.GetIntSlice("shape")
		get(err)
	}

	if defined("submodule") {
		opts.submodule, err = flags.GetString("submodule")
		get(err)
		opts.check, err = flags.GetBool("check")
		get(err)
		opts.runtime, err = flags.GetBool("runtime")
		get(err)
	}

	if err := errors.Join(errs...); err != nil {
		return opts, fmt.Errorf("error retrieving flags: %w", err)
	}

	if !flags.Changed("keep-going") {
		opts.keepGoing = envconfig.KeepGoing()
	}
	if !flags.Changed("seed") {
		opts.seed = envconfig.Seed()
	}
	if defined("check") && !flags.Changed("check") {
		opts.check = envconfig.CheckONNX()
	}
	if opts.submodule == "" {
		opts.submodule = envconfig.Submodule()
	}
	if opts.metricsFile == "" {
		opts.metricsFile = envconfig.MetricsFile()
	}

	return opts, nil
}

// exporters baut die Exporter fuer kind ("trace", "onnx" oder "all")
func (o exportOptions) exporters(kind string) []export.Exporter {
	dir := func(def string) string {
		if o.output != "" {
			return o.output
		}
		return def
	}

	trace := &export.TraceExporter{Dir: dir(envconfig.TraceDir()), Shape: o.shape, Seed: o.seed}
	interchange := &export.InterchangeExporter{
		Dir:       dir(envconfig.OnnxDir()),
		Submodule: o.submodule,
		Seed:      o.seed,
		Check:     o.check,
		Runtime:   o.runtime,
	}

	switch kind {
	case "trace":
		return []export.Exporter{trace}
	case "onnx":
		return []export.Exporter{interchange}
	default:
		return []export.Exporter{trace, interchange}
	}
}

// ExportHandler - Exportiert alle (oder die angegebenen) Modelle
func ExportHandler(kind string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		opts, err := readExportOptions(cmd)
		if err != nil {
			return err
		}

		t, err := loadTable(cmd, args)
		if err != nil {
			return err
		}

		r := &export.Runner{
			Loader:    &export.Loader{},
			Exporters: opts.exporters(kind),
			KeepGoing: opts.keepGoing,
		}

		if opts.metricsFile != "" {
			r.Metrics = export.NewMetrics()
		}

		results, runErr := r.Run(cmd.Context(), t)
		printResults(cmd.OutOrStdout(), results)

		if r.Metrics != nil {
			if err := r.Metrics.WriteFile(opts.metricsFile); err != nil {
				return fmt.Errorf("write metrics: %w", err)
			}
		}

		return runErr
	}
}

func printResults(w io.Writer, results []export.Result) {
	ok := color.New(color.FgGreen).SprintFunc()
	failed := color.New(color.FgRed).SprintFunc()

	for _, r := range results {
		kind := r.Kind
		if kind == "" {
			kind = "load"
		}

		if r.Err != nil {
			fmt.Fprintf(w, "%s %-12s %-6s %v\n", failed("failed"), r.Name, kind, r.Err)
			continue
		}

		fmt.Fprintf(w, "%s %-12s %-6s %s (%s)\n", ok("ok    "), r.Name, kind, r.Path, r.Duration.Round(time.Millisecond))
	}
}

// newExportCmd - Erstellt den export Command mit trace, onnx und all
func newExportCmd() *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export models as trace and/or ONNX artifacts",
	}

	for _, c := range []struct {
		kind, short string
	}{
		{"trace", "Export the full model as a frozen trace graph (<name>.gguf)"},
		{"onnx", "Export one sub-module as ONNX (<name>_<artifact>.onnx)"},
		{"all", "Export trace and ONNX artifacts in one run"},
	} {
		sub := &cobra.Command{
			Use:   c.kind + " [MODEL...]",
			Short: c.short,
			RunE:  ExportHandler(c.kind),
		}

		sub.Flags().StringP("output", "o", "", "Output directory (overrides GROOVE_TRACE_DIR / GROOVE_ONNX_DIR)")
		sub.Flags().Bool("keep-going", false, "Continue with the next model after a failure")
		sub.Flags().Uint64("seed", 0, "Seed for the synthetic example input")
		sub.Flags().String("metrics-file", "", "Write Prometheus metrics to this file")

		if c.kind != "onnx" {
			sub.Flags().IntSlice("shape", nil, "Example input shape for tracing (default 1,max_len,embedding_sz)")
		}

		if c.kind != "trace" {
			sub.Flags().String("submodule", "", "Sub-module to export (default \"encoder.layers.0\")")
			sub.Flags().Bool("check", false, "Check the ONNX graph for well-formedness before writing")
			sub.Flags().Bool("runtime", false, "Run the written ONNX graph in ONNX Runtime (requires -tags onnxruntime)")
		}

		exportCmd.AddCommand(sub)
	}

	return exportCmd
}
