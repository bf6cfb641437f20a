// Command quarryql is the entrypoint for the CLI surface: run, run-all,
// plan, validate, test, list, deps, lineage and serve.
package main

import (
	"os"

	"github.com/quarryql/quarryql/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
