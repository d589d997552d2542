// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs, loadTable
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/neuralmidifx/grooveexport/envconfig"
	"github.com/neuralmidifx/grooveexport/logutil"
	"github.com/neuralmidifx/grooveexport/params"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "grooveexport",
		Short:         "Export pretrained groove transformers as trace and ONNX artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Model table file (.yaml, .toml, .json), default is the built-in table")
	rootCmd.PersistentFlags().String("device", "", "Override the device of every model (cpu, cuda)")

	exportCmd := newExportCmd()
	listCmd := newListCmd()
	showCmd := newShowCmd()
	verifyCmd := newVerifyCmd()
	convertCmd := newConvertCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	common := []envconfig.EnvVar{envVars["GROOVE_DEBUG"], envVars["GROOVE_CONFIG"], envVars["GROOVE_DEVICE"]}

	for _, cmd := range []*cobra.Command{exportCmd, listCmd, showCmd, verifyCmd, convertCmd} {
		switch cmd {
		case exportCmd:
			envs := slices.Concat(common, []envconfig.EnvVar{
				envVars["GROOVE_TRACE_DIR"],
				envVars["GROOVE_ONNX_DIR"],
				envVars["GROOVE_SEED"],
				envVars["GROOVE_KEEP_GOING"],
				envVars["GROOVE_CHECK_ONNX"],
				envVars["GROOVE_SUBMODULE"],
				envVars["GROOVE_METRICS_FILE"],
				envVars["GROOVE_ONNXRUNTIME_LIB"],
			})
			appendEnvDocs(cmd, envs)
			for _, sub := range cmd.Commands() {
				appendEnvDocs(sub, envs)
			}
		case verifyCmd:
			appendEnvDocs(cmd, slices.Concat(common, []envconfig.EnvVar{envVars["GROOVE_TRACE_DIR"]}))
		case showCmd, convertCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["GROOVE_DEBUG"]})
		default:
			appendEnvDocs(cmd, common)
		}
	}

	rootCmd.AddCommand(
		exportCmd,
		listCmd,
		showCmd,
		verifyCmd,
		convertCmd,
	)

	return rootCmd
}

// loadTable liest die Modell-Tabelle, wendet das Device-Override an und
// waehlt die angegebenen Modelle aus
func loadTable(cmd *cobra.Command, names []string) (*params.Table, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = envconfig.ConfigFile()
	}

	t, err := params.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	device, _ := cmd.Flags().GetString("device")
	if device == "" {
		device = envconfig.Device()
	}

	if device != "" {
		d, err := params.ParseDevice(device)
		if err != nil {
			return nil, err
		}
		t = t.WithDevice(d)
	}

	return t.Select(names...)
}
