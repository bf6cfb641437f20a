package commands

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// NewDepsCommand builds `deps [--format dot]`: the dependency graph, either
// as a table of edges or as Graphviz dot for piping into `dot -Tpng`.
func NewDepsCommand(cfgFile *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Show the model dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := Load(*cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			defer b.Close()
			reportCompileErrors(b.Compile)

			if format == "dot" {
				renderDot(os.Stdout, b)
				return nil
			}
			renderDepsTable(os.Stdout, b)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "output format: table|dot")
	return cmd
}

func renderDepsTable(w *os.File, b *Bootstrap) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"MODEL", "DEPENDS ON"})
	for _, name := range b.Graph.Vertices() {
		deps := b.Graph.Dependencies(name)
		if len(deps) == 0 {
			t.AppendRow(table.Row{name, "(none)"})
			continue
		}
		for _, dep := range deps {
			t.AppendRow(table.Row{name, dep})
		}
	}
	t.Render()
}

func renderDot(w *os.File, b *Bootstrap) {
	fmt.Fprintln(w, "digraph quarryql {")
	fmt.Fprintln(w, "  rankdir=LR;")
	for _, name := range b.Graph.Vertices() {
		for _, dep := range b.Graph.Dependencies(name) {
			fmt.Fprintf(w, "  %q -> %q;\n", dep, name)
		}
	}
	fmt.Fprintln(w, "}")
}
