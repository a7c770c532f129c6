package cli

import (
	"fmt"

	"github.com/andywolf/autopilot/internal/executor"
	"github.com/andywolf/autopilot/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print version information. With --verbose, also report the build and
whether autopilot is running inside a Flatpak sandbox.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if short, _ := cmd.Flags().GetBool("short"); short {
			fmt.Println(version.Short())
			return
		}
		verbose, _ := cmd.Flags().GetBool("verbose")
		if !verbose {
			fmt.Println(version.Info())
			return
		}
		fmt.Println(version.Full())
		fmt.Printf("  Sandboxed:  %t\n", executor.InSandbox())
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "print build details and sandbox detection")
	versionCmd.Flags().Bool("short", false, "print only the version number")
	rootCmd.AddCommand(versionCmd)
}
