package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andywolf/autopilot/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Autopilot - event-driven system maintenance agents",
	Long: `Autopilot runs declarative maintenance agents that react to system events.

Agents subscribe to topics such as system.storage.low or
network.connection.public and run their actions through an audited executor
that elevates privileges only when an action's severity requires it.

Example:
  autopilot run
  autopilot publish system.storage.low mount=/home percent=4`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .autopilot.yaml in the working directory or ~/.config/autopilot)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	rootCmd.PersistentFlags().String("agents-dir", "", "directory of agent definitions")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("agents.dir", rootCmd.PersistentFlags().Lookup("agents-dir"))
}

// configSearchPaths lists where .autopilot.yaml is looked up, most specific first.
func configSearchPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, cwd)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "autopilot"))
	}
	return paths
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		for _, p := range configSearchPaths() {
			viper.AddConfigPath(p)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".autopilot")
	}

	// AUTOPILOT_EXECUTOR_DRY_RUN=true overrides executor.dry_run
	viper.SetEnvPrefix("AUTOPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	case errors.As(err, &notFound):
	default:
		fmt.Fprintln(os.Stderr, "Warning: failed to read config file:", err)
	}
}
