package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/quarryql/quarryql/internal/executor"
	"github.com/quarryql/quarryql/internal/planner"
	"github.com/quarryql/quarryql/internal/pool"
	"github.com/quarryql/quarryql/internal/state"
	"github.com/quarryql/quarryql/pkg/driver"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func styledStatus(status string) string {
	switch status {
	case state.StatusSuccess:
		return successStyle.Render(status)
	case state.StatusFailed:
		return failedStyle.Render(status)
	case state.StatusSkipped:
		return skippedStyle.Render(status)
	default:
		return status
	}
}

// runEvent is one JSON line of --json output, a run-progress event shape
// meant for CI/CD consumption.
type runEvent struct {
	Event        string `json:"event"`
	RunID        string `json:"run_id,omitempty"`
	Model        string `json:"model,omitempty"`
	Status       string `json:"status,omitempty"`
	RowsAffected int64  `json:"rows_affected,omitempty"`
	Error        string `json:"error,omitempty"`
	TotalModels  int    `json:"total_models,omitempty"`
	Successful   int    `json:"successful,omitempty"`
	Failed       int    `json:"failed,omitempty"`
	TotalMS      int64  `json:"total_ms,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func emitRunEvent(e runEvent) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, _ := json.Marshal(e)
	fmt.Println(string(data))
}

// NewRunCommand builds `run [models...]`: a selective run over the given
// models and their transitive dependencies.
func NewRunCommand(cfgFile *string) *cobra.Command {
	var forceFullRefresh bool
	var failFast bool
	var jsonOutput bool
	var vars []string

	cmd := &cobra.Command{
		Use:   "run [models...]",
		Short: "Run the given models (and their dependencies) in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(cmd, *cfgFile, args, forceFullRefresh, failFast, jsonOutput, vars)
		},
	}
	cmd.Flags().BoolVar(&forceFullRefresh, "full-refresh", false, "force every targeted model to FORCED classification")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop after the first batch with a failure")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit JSON-lines progress events instead of a table")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "declare a $variable as key=value (repeatable)")
	return cmd
}

// NewRunAllCommand builds `run-all`: every registered model, no target
// restriction.
func NewRunAllCommand(cfgFile *string) *cobra.Command {
	var forceFullRefresh bool
	var failFast bool
	var jsonOutput bool
	var vars []string

	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run every registered model in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(cmd, *cfgFile, nil, forceFullRefresh, failFast, jsonOutput, vars)
		},
	}
	cmd.Flags().BoolVar(&forceFullRefresh, "full-refresh", false, "force every model to FORCED classification")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop after the first batch with a failure")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit JSON-lines progress events instead of a table")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "declare a $variable as key=value (repeatable)")
	return cmd
}

func doRun(cmd *cobra.Command, cfgFile string, targets []string, forceFullRefresh, failFast, jsonOutput bool, varFlags []string) error {
	b, err := Load(cfgFile, cmd.Root().PersistentFlags())
	if err != nil {
		return err
	}
	defer b.Close()
	reportCompileErrors(b.Compile)

	forced := map[string]struct{}{}
	if forceFullRefresh {
		scope := targets
		if len(scope) == 0 {
			scope = b.Registry.Names()
		}
		for _, m := range scope {
			forced[m] = struct{}{}
		}
	}

	plan, err := planner.Build(b.Registry, b.Graph, b.Snapshot, planner.Options{Targets: targets, Forced: forced})
	if err != nil {
		return WithExitCode(err, 2)
	}

	drv, err := b.Driver()
	if err != nil {
		return err
	}
	p, err := pool.New(drv, driver.Config{DSN: b.Config.DriverDSN}, b.Config.PoolSize, b.Config.RetryAttempts, b.Logger)
	if err != nil {
		return WithExitCode(err, 2)
	}
	defer p.CloseAll()

	variables, err := parseVars(varFlags)
	if err != nil {
		return WithExitCode(err, 2)
	}

	ctx := context.Background()
	start := time.Now()
	runID := uuid.New().String()

	if jsonOutput {
		emitRunEvent(runEvent{Event: "run_start", RunID: runID})
	}

	result, err := executor.RunWithOptions(ctx, plan, b.Graph, b.Registry, p, b.Store, b.Logger,
		executor.Options{Variables: variables, FailFast: failFast})
	if err != nil {
		return WithExitCode(err, 2)
	}

	if jsonOutput {
		successful, failed := 0, 0
		for _, o := range result.Outcomes {
			if o.Status == "SUCCESS" {
				successful++
			}
			if o.Status == "FAILED" {
				failed++
			}
			emitRunEvent(runEvent{
				Event:        "model_complete",
				Model:        o.ModelName,
				Status:       o.Status,
				RowsAffected: o.Result.RowsAffected,
				Error:        errString(o.Err),
			})
		}
		emitRunEvent(runEvent{
			Event:       "run_complete",
			RunID:       runID,
			TotalModels: len(result.Outcomes),
			Successful:  successful,
			Failed:      failed,
			TotalMS:     time.Since(start).Milliseconds(),
		})
	} else {
		renderRunSummary(os.Stdout, result, time.Since(start), runID)
	}

	return WithExitCode(nil, result.ExitCode())
}

func renderRunSummary(w *os.File, result executor.RunResult, elapsed time.Duration, runID string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"MODEL", "STATUS", "ROWS", "ERROR"})
	for _, o := range result.Outcomes {
		t.AppendRow(table.Row{o.ModelName, styledStatus(o.Status), o.Result.RowsAffected, errString(o.Err)})
	}
	t.Render()
	if len(result.Deleted) > 0 {
		fmt.Fprintf(w, "retired: %s\n", strings.Join(result.Deleted, ", "))
	}
	fmt.Fprintf(w, "run %s completed in %s\n", runID, elapsed.Round(time.Millisecond))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func parseVars(flags []string) (map[string]string, error) {
	out := make(map[string]string, len(flags))
	for _, f := range flags {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", f)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
