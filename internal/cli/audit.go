package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/andywolf/autopilot/internal/audit"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit log",
	Long: `Show recent entries from the local audit log.

Examples:
  autopilot audit
  autopilot audit --tail 50 --caller agent:disk-cleaner
  autopilot audit --category PRIVILEGED --json`,
	Args: cobra.NoArgs,
	RunE: showAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().Int("tail", 20, "Number of entries to show from the end (0 for all)")
	auditCmd.Flags().String("caller", "", "Only show entries from this caller")
	auditCmd.Flags().StringSlice("category", nil, "Only show entries with any of these categories")
	auditCmd.Flags().Bool("json", false, "Print raw JSON lines")
}

func showAudit(cmd *cobra.Command, args []string) error {
	tail, _ := cmd.Flags().GetInt("tail")
	caller, _ := cmd.Flags().GetString("caller")
	categories, _ := cmd.Flags().GetStringSlice("category")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	entries, err := audit.ReadEntries(cfg.Audit.Path)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("No audit log at %s\n", cfg.Audit.Path)
		return nil
	}
	if err != nil {
		return err
	}

	entries = audit.FilterByCaller(entries, caller)
	if len(categories) > 0 {
		cats := make([]audit.Category, len(categories))
		for i, c := range categories {
			cats[i] = audit.Category(strings.ToUpper(c))
		}
		entries = audit.FilterByCategory(entries, cats...)
	}
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}

	for _, e := range entries {
		if asJSON {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to encode audit entry: %w", err)
			}
			fmt.Println(string(data))
			continue
		}
		formatAuditEntry(e)
	}
	return nil
}

// formatAuditEntry prints one entry as a single line.
func formatAuditEntry(e audit.Entry) {
	status := "OK"
	switch {
	case e.Result.Preview:
		status = "PREVIEW"
	case !e.Result.Success:
		status = "FAIL"
	}

	line := strings.TrimSpace(e.Command + " " + strings.Join(e.Args, " "))
	if e.Privileged {
		line = "# " + line
	}

	fmt.Printf("[%s] %-7s %-24s %s", e.Timestamp.Local().Format(time.DateTime), status, e.Caller, line)
	if len(e.Categories) > 0 {
		cats := make([]string, len(e.Categories))
		for i, c := range e.Categories {
			cats[i] = string(c)
		}
		fmt.Printf(" {%s}", strings.Join(cats, ","))
	}
	if !e.Result.Success && e.Result.Message != "" {
		fmt.Printf(" - %s", e.Result.Message)
	}
	fmt.Println()
}
