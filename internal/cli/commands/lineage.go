package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// NewLineageCommand builds `lineage <model>`: the relations and per-column
// lineage the compiler derived for a single model's compiled SELECT.
func NewLineageCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <model>",
		Short: "Show table and column lineage for a single model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := Load(*cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			defer b.Close()
			reportCompileErrors(b.Compile)

			name := args[0]
			if _, err := b.Registry.Get(name); err != nil {
				return WithExitCode(err, 2)
			}
			parsed, ok := b.Registry.GetParsed(name)
			if !ok {
				return WithExitCode(fmt.Errorf("%s has no compiled lineage (it may have failed to compile)", name), 2)
			}

			fmt.Fprintf(os.Stdout, "relations feeding %s:\n", name)
			relations := table.NewWriter()
			relations.SetOutputMirror(os.Stdout)
			relations.SetStyle(table.StyleLight)
			relations.AppendHeader(table.Row{"RELATION", "ALIAS"})
			for _, rel := range parsed.Relations {
				relations.AppendRow(table.Row{rel.Name, rel.Alias})
			}
			relations.Render()

			fmt.Fprintln(os.Stdout)
			fmt.Fprintf(os.Stdout, "column lineage for %s:\n", name)
			cols := table.NewWriter()
			cols.SetOutputMirror(os.Stdout)
			cols.SetStyle(table.StyleLight)
			cols.AppendHeader(table.Row{"OUTPUT", "SOURCES"})
			for _, col := range parsed.Columns {
				if col.Wildcard {
					cols.AppendRow(table.Row{col.Output, fmt.Sprintf("* (from %s)", col.WildcardFrom)})
					continue
				}
				sources := append([]string(nil), col.Sources...)
				sort.Strings(sources)
				cols.AppendRow(table.Row{col.Output, sources})
			}
			cols.Render()
			return nil
		},
	}
}
