// cmd_list.go - List Command
// Hauptfunktionen: ListHandler
package cmd

import (
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/neuralmidifx/grooveexport/model"
	"github.com/neuralmidifx/grooveexport/model/models/groove"
)

// ListHandler - Listet alle Modelle der Tabelle mit Parameteranzahl auf
func ListHandler(cmd *cobra.Command, args []string) error {
	t, err := loadTable(cmd, args)
	if err != nil {
		return err
	}

	var data [][]string
	for name, cfg := range t.All() {
		m, err := groove.New(cfg)
		if err != nil {
			return err
		}

		data = append(data, []string{
			name,
			humanNumber(model.NumParams(m)),
			strconv.Itoa(cfg.DModel),
			strconv.Itoa(cfg.DimFF),
			strconv.Itoa(cfg.NHeads),
			strconv.Itoa(cfg.NLayers),
			string(cfg.Device),
			cfg.Path,
		})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "PARAMS", "D_MODEL", "DIM_FF", "HEADS", "LAYERS", "DEVICE", "CHECKPOINT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()

	return nil
}

// humanNumber formatiert Parameteranzahlen wie 1.1M oder 503K
func humanNumber(n int) string {
	switch {
	case n >= 1_000_000:
		return strconv.FormatFloat(float64(n)/1_000_000, 'f', 1, 64) + "M"
	case n >= 1_000:
		return strconv.FormatFloat(float64(n)/1_000, 'f', 0, 64) + "K"
	default:
		return strconv.Itoa(n)
	}
}

// newListCmd - Erstellt den list Command
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [MODEL...]",
		Aliases: []string{"ls"},
		Short:   "List configured models",
		RunE:    ListHandler,
	}
}
