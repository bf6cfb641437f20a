package commands

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/quarryql/quarryql/internal/planner"
)

// NewPlanCommand builds `plan [models...]`: shows what a run would do
// (classification + batch order) without touching the warehouse.
func NewPlanCommand(cfgFile *string) *cobra.Command {
	var forceFullRefresh bool

	cmd := &cobra.Command{
		Use:   "plan [models...]",
		Short: "Show the classified, ordered execution plan without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := Load(*cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			defer b.Close()
			reportCompileErrors(b.Compile)

			forced := map[string]struct{}{}
			if forceFullRefresh {
				scope := args
				if len(scope) == 0 {
					scope = b.Registry.Names()
				}
				for _, m := range scope {
					forced[m] = struct{}{}
				}
			}

			plan, err := planner.Build(b.Registry, b.Graph, b.Snapshot, planner.Options{Targets: args, Forced: forced})
			if err != nil {
				return WithExitCode(err, 2)
			}
			renderPlan(os.Stdout, plan)
			return nil
		},
	}
	cmd.Flags().BoolVar(&forceFullRefresh, "full-refresh", false, "show plan as if every targeted model were forced")
	return cmd
}

func renderPlan(w *os.File, plan planner.Plan) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"BATCH", "MODEL", "CLASSIFICATION"})
	for i, batch := range plan.Batches {
		for _, mp := range batch {
			t.AppendRow(table.Row{i, mp.ModelName, mp.Classification})
		}
	}
	t.Render()

	if len(plan.Deletes) > 0 {
		fmt.Fprintln(w, "retired (state-only, no longer registered):")
		for _, mp := range plan.Deletes {
			fmt.Fprintf(w, "  %s\n", mp.ModelName)
		}
	}
}
