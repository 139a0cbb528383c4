package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/api/types"
	"github.com/GriffinCanCode/sketchbox/internal/client"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/server"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
)

// stdinName selects standard input as the sketch source.
const stdinName = "-"

type runOptions struct {
	timeout          time.Duration
	memoryLimitBytes uint64
	maxFunctionCalls uint64
	isolation        string
	remote           bool
	url              string
	render           bool
}

// runOutput is one line of "sketchbox run" output.
type runOutput struct {
	File   string                   `json:"file"`
	Result *sandbox.ExecutionResult `json:"result,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

type sketch struct {
	file string
	code string
}

type executeFunc func(ctx context.Context, code string) (*sandbox.ExecutionResult, error)

func newRunCommand(root *rootOptions) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <file|glob|->...",
		Short: "Execute sketches and print one JSON result per line",
		Long: `Execute sketches and print one JSON result per line.

Arguments are files or doublestar globs such as "sketches/**/*.js". Use "-"
to read a sketch from standard input. The command fails when any sketch does
not finish with status success.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if root.logLevel == "" {
				cfg.Logging.Level = "warn"
			}
			cfg.Sandbox.Isolation = opts.isolation
			if opts.url != "" {
				cfg.Client.BaseURL = opts.url
				opts.remote = true
			}

			sketches, err := readSketches(args, root.stdin)
			if err != nil {
				return err
			}

			logger, err := root.newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			var execute executeFunc
			if opts.remote {
				execute = remoteExecutor(client.FromConfig(cfg.Client, logger.Logger), opts)
			} else {
				pool, err := localPool(cfg, logger.Component("sandbox"), len(sketches))
				if err != nil {
					return err
				}
				defer pool.Close()
				execute = localExecutor(pool, opts)
			}

			outputs := runSketches(cmd.Context(), sketches, execute)
			return writeOutputs(root.stdout, outputs, opts.render)
		},
	}

	f := cmd.Flags()
	f.DurationVar(&opts.timeout, "timeout", 0, "execution timeout (default: configured)")
	f.Uint64Var(&opts.memoryLimitBytes, "memory-limit", 0, "memory ceiling in bytes (default: configured)")
	f.Uint64Var(&opts.maxFunctionCalls, "max-calls", 0, "function call budget (default: configured)")
	f.StringVar(&opts.isolation, "isolation", sandbox.IsolationWorker, "boundary isolation for local runs (worker, process)")
	f.BoolVar(&opts.remote, "remote", false, "execute on the configured server")
	f.StringVar(&opts.url, "url", "", "server URL, implies --remote")
	f.BoolVar(&opts.render, "render", false, "include draw commands in the output")
	return cmd
}

// readSketches expands globs and reads every matched file once, in
// argument order.
func readSketches(args []string, stdin io.Reader) ([]sketch, error) {
	var (
		sketches []sketch
		seen     = make(map[string]bool)
	)
	for _, arg := range args {
		if arg == stdinName {
			code, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("read stdin: %w", err)
			}
			sketches = append(sketches, sketch{file: stdinName, code: string(code)})
			continue
		}

		matches, err := doublestar.FilepathGlob(arg, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no sketches match %q", arg)
		}
		for _, path := range matches {
			if seen[path] {
				continue
			}
			seen[path] = true
			code, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			sketches = append(sketches, sketch{file: path, code: string(code)})
		}
	}
	return sketches, nil
}

func localPool(cfg *config.Config, logger *zap.Logger, n int) (*sandbox.Pool, error) {
	managerOpts, err := server.ManagerOptions(cfg.Sandbox, logger)
	if err != nil {
		return nil, err
	}
	size := min(n, max(cfg.Sandbox.PoolSize, 1))
	if cfg.Sandbox.Isolation == sandbox.IsolationWorker {
		// Worker runtimes share one heap reading.
		size = 1
	}
	return sandbox.NewPool(sandbox.PoolOptions{
		Size:    size,
		Manager: managerOpts,
	}), nil
}

func localExecutor(pool *sandbox.Pool, opts runOptions) executeFunc {
	return func(ctx context.Context, code string) (*sandbox.ExecutionResult, error) {
		return pool.Execute(ctx, sandbox.ExecutionRequest{
			Code:             code,
			Timeout:          opts.timeout,
			MemoryLimitBytes: opts.memoryLimitBytes,
			MaxFunctionCalls: opts.maxFunctionCalls,
		})
	}
}

func remoteExecutor(c *client.Client, opts runOptions) executeFunc {
	return func(ctx context.Context, code string) (*sandbox.ExecutionResult, error) {
		return c.Execute(ctx, types.ExecuteRequest{
			Code:             code,
			TimeoutMS:        opts.timeout.Milliseconds(),
			MemoryLimitBytes: opts.memoryLimitBytes,
			MaxFunctionCalls: opts.maxFunctionCalls,
		})
	}
}

// runSketches executes every sketch concurrently and returns the outputs
// in input order. Concurrency is bounded by the pool or the server.
func runSketches(ctx context.Context, sketches []sketch, execute executeFunc) []runOutput {
	outputs := make([]runOutput, len(sketches))
	var wg sync.WaitGroup
	for i, s := range sketches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := runOutput{File: s.file}
			result, err := execute(ctx, s.code)
			if err != nil {
				out.Error = err.Error()
			} else {
				out.Result = result
			}
			outputs[i] = out
		}()
	}
	wg.Wait()
	return outputs
}

func writeOutputs(w io.Writer, outputs []runOutput, render bool) error {
	failed := 0
	for _, out := range outputs {
		if out.Result != nil && out.Result.Render != nil && !render {
			trimmed := *out.Result.Render
			trimmed.Commands = nil
			result := *out.Result
			result.Render = &trimmed
			out.Result = &result
		}
		if out.Result == nil || out.Result.Status != sandbox.StatusSuccess {
			failed++
		}

		line, err := sonic.Marshal(out)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, string(line)); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sketches failed", failed, len(outputs))
	}
	return nil
}
