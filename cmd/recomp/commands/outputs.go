package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/willothy/recomp/internal/x11"
)

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "List RandR outputs",
	Long: `List the connected RandR outputs and their geometry.

This connects to the X server read-only; it does not start compositing.`,
	Example: `  # List outputs in table format (default)
  recomp outputs

  # List outputs in JSON format
  recomp outputs --format json`,
	RunE: runOutputsList,
}

var outputsFormat string

func init() {
	rootCmd.AddCommand(outputsCmd)

	outputsCmd.Flags().StringVarP(&outputsFormat, "format", "f", "table", "output format (table or json)")
}

func runOutputsList(cmd *cobra.Command, args []string) error {
	conn, err := x11.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	defer conn.Close()

	outs, err := conn.Outputs()
	if err != nil {
		return fmt.Errorf("failed to enumerate outputs: %w", err)
	}

	switch outputsFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(outs)
	case "table":
		return printOutputsTable(outs)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", outputsFormat)
	}
}

func printOutputsTable(outs []x11.Output) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAME\tGEOMETRY\tPOSITION\tREFRESH")
	fmt.Fprintln(w, "----\t--------\t--------\t-------")

	for _, o := range outs {
		refresh := "unknown"
		if o.RefreshHz > 0 {
			refresh = fmt.Sprintf("%.2f Hz", o.RefreshHz)
		}
		fmt.Fprintf(w, "%s\t%dx%d\t(%d, %d)\t%s\n", o.Name, o.Width, o.Height, o.X, o.Y, refresh)
	}

	return nil
}
