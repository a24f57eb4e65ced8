package commands

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/willothy/recomp/internal/config"
)

var opacityCmd = &cobra.Command{
	Use:   "opacity",
	Short: "Manage per-class opacity rules",
	Long: `Manage opacity rules applied by window class.

A rule forces an opacity on every window whose WM_CLASS matches the
given class, case-insensitively. Windows that set the
_NET_WM_WINDOW_OPACITY property themselves are never overridden.

A running compositor picks up rule changes through its HTTP API; rules
changed here take effect on the next start.`,
}

var opacitySetCmd = &cobra.Command{
	Use:   "set CLASS OPACITY",
	Short: "Set an opacity rule",
	Long:  `Set the opacity for a window class, from 0.0 (invisible) to 1.0 (opaque).`,
	Example: `  # Make terminals slightly translucent
  recomp opacity set Alacritty 0.92

  # Make an always-on-top video window clearly see-through
  recomp opacity set mpv 0.6`,
	Args: cobra.ExactArgs(2),
	RunE: runOpacitySet,
}

var opacityRemoveCmd = &cobra.Command{
	Use:   "remove CLASS",
	Short: "Remove an opacity rule",
	Long:  `Remove the opacity rule for a window class.`,
	Example: `  # Remove the terminal rule
  recomp opacity remove Alacritty`,
	Args: cobra.ExactArgs(1),
	RunE: runOpacityRemove,
}

var opacityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List opacity rules",
	Long:  `Display all configured opacity rules.`,
	RunE:  runOpacityList,
}

func init() {
	rootCmd.AddCommand(opacityCmd)
	opacityCmd.AddCommand(opacitySetCmd)
	opacityCmd.AddCommand(opacityRemoveCmd)
	opacityCmd.AddCommand(opacityListCmd)
}

func runOpacitySet(cmd *cobra.Command, args []string) error {
	class := args[0]
	opacity, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid opacity: %s", args[1])
	}
	if opacity < 0 || opacity > 1 {
		return fmt.Errorf("opacity must be between 0.0 and 1.0, got %s", args[1])
	}

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := configMgr.SetOpacityRule(class, opacity); err != nil {
		return fmt.Errorf("failed to set opacity rule: %w", err)
	}

	fmt.Printf("✅ Opacity rule set: %s = %.2f\n", class, opacity)
	return nil
}

func runOpacityRemove(cmd *cobra.Command, args []string) error {
	class := args[0]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := configMgr.RemoveOpacityRule(class); err != nil {
		return fmt.Errorf("failed to remove opacity rule: %w", err)
	}

	fmt.Printf("✅ Opacity rule removed: %s\n", class)
	return nil
}

func runOpacityList(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rules := configMgr.ListOpacityRules()
	if len(rules) == 0 {
		fmt.Println("No opacity rules configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "CLASS\tOPACITY")
	fmt.Fprintln(w, "-----\t-------")
	for _, rule := range rules {
		fmt.Fprintf(w, "%s\t%.2f\n", rule.Class, rule.Opacity)
	}

	return nil
}
