// cmd_show.go - Show Command fuer Trace- und ONNX-Artefakte
// Hauptfunktionen: ShowHandler, showTrace, showONNX
package cmd

import (
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/neuralmidifx/grooveexport/export"
	"github.com/neuralmidifx/grooveexport/onnx"
)

// ShowHandler - Zeigt Informationen zu einem Artefakt an
func ShowHandler(cmd *cobra.Command, args []string) error {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(args[0])); ext {
	case ".gguf":
		tr, err := export.LoadTrace(args[0])
		if err != nil {
			return err
		}
		return showTrace(cmd.OutOrStdout(), tr, verbose)
	case ".onnx":
		m, err := onnx.ReadFile(args[0])
		if err != nil {
			return err
		}
		return showONNX(cmd.OutOrStdout(), m, verbose)
	default:
		return fmt.Errorf("unknown artifact type %q (want .gguf or .onnx)", ext)
	}
}

// tableRender - Gibt eine Sektion als Tabelle aus
func tableRender(w io.Writer, header string, rows [][]string) {
	fmt.Fprintln(w, " ", header)
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(rows)
	table.Render()
	fmt.Fprintln(w)
}

func shapeString[T int | int64](shape []T) string {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.FormatInt(int64(d), 10)
	}
	return "[" + strings.Join(dims, ", ") + "]"
}

// opCounts zaehlt Knoten je Operation, sortiert nach Name
func opCounts(ops []string) [][]string {
	counts := make(map[string]int)
	for _, op := range ops {
		counts[op]++
	}

	var rows [][]string
	for _, op := range slices.Sorted(maps.Keys(counts)) {
		rows = append(rows, []string{"", op, strconv.Itoa(counts[op])})
	}
	return rows
}

func showTrace(w io.Writer, tr *export.Trace, verbose bool) error {
	g := tr.Graph
	cfg := tr.Config

	tableRender(w, "Trace", [][]string{
		{"", "model", tr.Name},
		{"", "checkpoint", cfg.Path},
		{"", "input shape", shapeString(tr.InputShape)},
		{"", "seed", strconv.FormatUint(tr.Seed, 10)},
		{"", "outputs", strings.Join(g.OutputNames(), ", ")},
		{"", "nodes", strconv.Itoa(len(g.Nodes))},
		{"", "constants", humanNumber(g.NumConstants())},
	})

	tableRender(w, "Architecture", [][]string{
		{"", "d_model", strconv.Itoa(cfg.DModel)},
		{"", "dim_ff", strconv.Itoa(cfg.DimFF)},
		{"", "n_heads", strconv.Itoa(cfg.NHeads)},
		{"", "n_layers", strconv.Itoa(cfg.NLayers)},
		{"", "embedding_sz", strconv.Itoa(cfg.EmbeddingSize)},
		{"", "max_len", strconv.Itoa(cfg.MaxLen)},
	})

	if verbose {
		var ops []string
		for _, n := range g.Nodes {
			ops = append(ops, string(n.Op))
		}
		tableRender(w, "Operations", opCounts(ops))
	}

	return nil
}

func showONNX(w io.Writer, m *onnx.Model, verbose bool) error {
	g := &m.Graph

	rows := [][]string{
		{"", "graph", g.Name},
		{"", "producer", m.Producer},
		{"", "ir version", strconv.FormatInt(m.IRVersion, 10)},
		{"", "opset", strconv.FormatInt(m.Opset, 10)},
	}
	for _, v := range g.Inputs {
		rows = append(rows, []string{"", "input", v.Name + " " + shapeString(v.Dims)})
	}
	for _, v := range g.Outputs {
		rows = append(rows, []string{"", "output", v.Name + " " + shapeString(v.Dims)})
	}
	rows = append(rows,
		[]string{"", "nodes", strconv.Itoa(len(g.Nodes))},
		[]string{"", "parameters", humanNumber(g.NumParameters())},
	)
	tableRender(w, "ONNX", rows)

	if verbose {
		var ops []string
		for _, n := range g.Nodes {
			ops = append(ops, n.OpType)
		}
		tableRender(w, "Operations", opCounts(ops))
	}

	return nil
}

// newShowCmd - Erstellt den show Command
func newShowCmd() *cobra.Command {
	showCmd := &cobra.Command{
		Use:   "show ARTIFACT",
		Short: "Show information about a trace (.gguf) or ONNX artifact",
		Args:  cobra.ExactArgs(1),
		RunE:  ShowHandler,
	}

	showCmd.Flags().BoolP("verbose", "v", false, "Show operation counts")
	return showCmd
}
