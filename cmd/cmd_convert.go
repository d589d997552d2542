// cmd_convert.go - Convert Command (Checkpoint -> safetensors)
// Hauptfunktionen: ConvertHandler
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/neuralmidifx/grooveexport/convert"
)

// ConvertHandler - Schreibt einen PyTorch- oder safetensors-Checkpoint als F32 safetensors
func ConvertHandler(cmd *cobra.Command, args []string) error {
	in, out := args[0], args[1]

	sd, err := convert.ReadCheckpoint(in)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}

	if err := convert.WriteSafetensors(f, sd); err != nil {
		f.Close()
		os.Remove(out)
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "converted %s -> %s (%d tensors, %s elements)\n", in, out, sd.Len(), humanNumber(sd.NumElements()))
	return nil
}

// newConvertCmd - Erstellt den convert Command
func newConvertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert IN OUT",
		Short: "Convert a checkpoint (.Model, .pt, .safetensors) to F32 safetensors",
		Args:  cobra.ExactArgs(2),
		RunE:  ConvertHandler,
	}
}
