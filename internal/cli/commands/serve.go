package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/quarryql/quarryql/internal/compiler"
	"github.com/quarryql/quarryql/internal/dag"
	"github.com/quarryql/quarryql/internal/registry"
)

// NewServeCommand builds `serve --watch`: watches the models directory and
// recompiles on every .sql change, printing the refreshed compile summary.
// This stays a recompile-dispatch loop, not an HTTP/UI server — there is no
// query surface in this engine's component set for a server to front.
func NewServeCommand(cfgFile *string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the models directory and recompile on change",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := Load(*cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			defer b.Close()
			reportCompileErrors(b.Compile)
			printCompileSummary(b.Compile)

			if !watch {
				return nil
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return WithExitCode(err, 2)
			}
			defer watcher.Close()

			if err := watchDir(watcher, b.Config.ModelsDir); err != nil {
				return WithExitCode(err, 2)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			fmt.Fprintf(os.Stdout, "watching %s for changes (ctrl-c to stop)\n", b.Config.ModelsDir)
			return watchLoop(ctx, watcher, b)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and recompile on every model change")
	return cmd
}

func watchDir(watcher *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if len(info.Name()) > 0 && info.Name()[0] == '.' {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, b *Bootstrap) error {
	var debounce *time.Timer
	recompile := func() {
		reg := registry.New(b.Logger)
		graph := dag.New()
		result, err := compiler.Compile(reg, graph, b.Snapshot, compiler.Options{
			ModelsDir: b.Config.ModelsDir,
		}, b.Logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recompile failed: %v\n", err)
			return
		}
		b.Registry = reg
		b.Graph = graph
		b.Compile = result
		reportCompileErrors(result)
		printCompileSummary(result)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".sql" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(150*time.Millisecond, recompile)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watcher error: %v\n", err)
		}
	}
}

func printCompileSummary(result compiler.Result) {
	fmt.Fprintf(os.Stdout, "compiled %d model(s), %d deleted, %d error(s) in %s\n",
		result.ModelsCompiled, result.ModelsDeleted, len(result.Errors), result.Duration)
}
