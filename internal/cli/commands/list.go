package commands

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// NewListCommand builds `list`: every registered model with its
// materialisation strategy and source file.
func NewListCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered model",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := Load(*cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			defer b.Close()
			reportCompileErrors(b.Compile)

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"MODEL", "MATERIALIZED", "UNIQUE_KEY", "FILE"})
			for _, m := range b.Registry.List() {
				t.AppendRow(table.Row{m.Name, m.Materialized, m.UniqueKey, m.FilePath})
			}
			t.Render()
			return nil
		},
	}
}
