// cmd_verify.go - Verify Command
// Hauptfunktionen: VerifyHandler
package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/neuralmidifx/grooveexport/envconfig"
	"github.com/neuralmidifx/grooveexport/export"
)

// VerifyHandler - Vergleicht ein Trace-Artefakt mit dem frisch geladenen Modell
func VerifyHandler(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("trace")
	if err != nil {
		return err
	}

	tolerance, err := cmd.Flags().GetFloat64("tolerance")
	if err != nil {
		return err
	}

	t, err := loadTable(cmd, args)
	if err != nil {
		return err
	}

	cfg, _ := t.Get(args[0])
	if path == "" {
		path = filepath.Join(envconfig.TraceDir(), cfg.Name+".gguf")
	}

	inst, err := (&export.Loader{}).Load(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer inst.Close()

	v, err := export.Verify(cmd.Context(), inst, path, tolerance)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s matches %s (%d outputs, max diff %.3g)\n",
		color.GreenString("ok"), v.Path, v.Name, v.Outputs, v.MaxDiff)
	return nil
}

// newVerifyCmd - Erstellt den verify Command
func newVerifyCmd() *cobra.Command {
	verifyCmd := &cobra.Command{
		Use:   "verify MODEL",
		Short: "Compare a trace artifact against the loaded checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  VerifyHandler,
	}

	verifyCmd.Flags().String("trace", "", "Trace artifact (default <GROOVE_TRACE_DIR>/<MODEL>.gguf)")
	verifyCmd.Flags().Float64("tolerance", export.DefaultTolerance, "Maximum absolute difference per output element")
	return verifyCmd
}
