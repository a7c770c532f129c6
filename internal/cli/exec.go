package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andywolf/autopilot/internal/executor"
	"github.com/spf13/cobra"
)

// cliCaller is the audit caller for invocations made from the command line.
const cliCaller = "cli"

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- COMMAND [ARGS...]",
	Short: "Run a command through the audited executor",
	Long: `Run a single command (or a registered operation) through the same executor
agents use. The invocation is recorded in the audit log.

Examples:
  autopilot exec -- df -h /
  autopilot exec --privileged -- systemctl restart NetworkManager
  autopilot exec --dry-run --privileged -- apt-get autoremove
  autopilot exec --operation disk-usage path=/home`,
	Args: cobra.MinimumNArgs(1),
	RunE: execCommand,
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().Bool("privileged", false, "Run through the elevation helper")
	execCmd.Flags().Bool("dry-run", false, "Preview the invocation without running it")
	execCmd.Flags().Duration("timeout", 0, "Timeout (default from executor.default_timeout)")
	execCmd.Flags().String("operation", "", "Call a registered operation instead; arguments are key=value params")
	execCmd.Flags().Bool("json", false, "Print the result as JSON")
}

func execCommand(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	privileged, _ := cmd.Flags().GetBool("privileged")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	operation, _ := cmd.Flags().GetString("operation")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	var result executor.Result
	if operation != "" {
		params, err := parseParams(args)
		if err != nil {
			return err
		}
		call := executor.OperationCall{
			Name:    operation,
			Params:  params,
			Timeout: timeout,
			Caller:  cliCaller,
		}
		if dryRun {
			result = a.executor.PreviewOperation(call)
		} else {
			result = a.executor.RunOperation(ctx, call)
		}
	} else {
		command := executor.Command{
			Name:       args[0],
			Args:       args[1:],
			Privileged: privileged,
			Timeout:    timeout,
			Caller:     cliCaller,
		}
		if dryRun {
			result = a.executor.Preview(command)
		} else {
			result = a.executor.Execute(ctx, command)
		}
	}

	if asJSON {
		data, err := json.MarshalIndent(result.Map(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Println(string(data))
	} else {
		printResult(result)
	}

	if !result.Success {
		return fmt.Errorf("%s", result.Message)
	}
	return nil
}

func printResult(r executor.Result) {
	if r.Stdout != "" {
		fmt.Print(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			fmt.Println()
		}
	}
	if r.Stderr != "" {
		fmt.Fprint(os.Stderr, r.Stderr)
	}

	status := "ok"
	switch {
	case r.Preview:
		status = "preview"
	case !r.Success:
		status = "failed"
	}
	exit := "-"
	if r.ExitCode != nil {
		exit = fmt.Sprintf("%d", *r.ExitCode)
	}
	fmt.Printf("[%s] %s (exit %s, %s)\n", status, r.Message, exit, r.Duration.Round(time.Millisecond))
	if len(r.Data) > 0 && !r.Preview {
		for _, k := range sortedKeys(r.Data) {
			fmt.Printf("  %s: %v\n", k, r.Data[k])
		}
	}
	if r.AuditID != "" {
		fmt.Printf("audit: %s\n", r.AuditID)
	}
}
