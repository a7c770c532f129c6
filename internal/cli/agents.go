package cli

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/andywolf/autopilot/internal/agent"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect agent definitions",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded agents",
	Long: `List the agents defined in the agents directory.

Example:
  autopilot agents list
  autopilot agents list --agents-dir ./agents`,
	Args: cobra.NoArgs,
	RunE: listAgents,
}

var agentsValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Validate agent definition files",
	Long: `Parse and validate every agent definition in a directory without
subscribing anything. Exits non-zero if any file is rejected.

Example:
  autopilot agents validate ./agents`,
	Args: cobra.MaximumNArgs(1),
	RunE: validateAgents,
}

func init() {
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsValidateCmd)
	rootCmd.AddCommand(agentsCmd)
}

func quietRegistry() *agent.Registry {
	return agent.NewRegistry(agent.WithLogger(log.New(io.Discard, "", 0)))
}

func listAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry := quietRegistry()
	_, loadErrs := registry.LoadFromDirectory(cfg.Agents.Dir)
	printAgents(registry.List())
	printLoadErrors(loadErrs)
	return nil
}

func validateAgents(cmd *cobra.Command, args []string) error {
	dir := ""
	if len(args) == 1 {
		dir = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir = cfg.Agents.Dir
	}

	registry := quietRegistry()
	n, loadErrs := registry.LoadFromDirectory(dir)
	fmt.Printf("%d valid agent definition(s) in %s\n", n, dir)
	printLoadErrors(loadErrs)
	if len(loadErrs) > 0 {
		return fmt.Errorf("%d agent definition(s) rejected", len(loadErrs))
	}
	return nil
}

func printAgents(agents []agent.Config) {
	if len(agents) == 0 {
		fmt.Println("No agents found.")
		return
	}

	fmt.Printf("%-24s %-12s %-8s %-8s %s\n", "AGENT", "TYPE", "ENABLED", "MAX/HR", "TOPICS")
	fmt.Println(strings.Repeat("-", 80))
	for _, a := range agents {
		fmt.Printf("%-24s %-12s %-8t %-8d %s\n",
			a.ID,
			a.Type,
			a.Enabled,
			a.MaxActionsPerHour,
			strings.Join(a.Topics(), ","),
		)
	}
	fmt.Printf("\n%d agent(s) found.\n", len(agents))
}

func printLoadErrors(loadErrs []agent.LoadError) {
	for _, le := range loadErrs {
		fmt.Printf("Error: %v\n", le)
	}
}
