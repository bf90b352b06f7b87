package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/rhino1998/vireo/pkg/heap"
	"github.com/rhino1998/vireo/pkg/jit"
	"github.com/rhino1998/vireo/pkg/vm"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

var (
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a module's entry function",
		ArgsUsage: "<module>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML file with VM settings",
			},
			&cli.StringFlag{
				Name:  "entry",
				Usage: "function to call",
				Value: "main",
			},
			&cli.IntFlag{
				Name:  "gas",
				Usage: "instruction budget, 0 for unlimited",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "log every executed instruction",
			},
			&cli.BoolFlag{
				Name:  "jit",
				Usage: "compile hot blocks",
			},
			&cli.IntFlag{
				Name:    "instances",
				Aliases: []string{"n"},
				Usage:   "number of instances to run concurrently over one heap",
				Value:   1,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := newLogger(c)

			m, _, err := loadArg(logger, c)
			if err != nil {
				return err
			}

			config := vm.DefaultConfig()
			if path := c.String("config"); path != "" {
				config, err = vm.LoadConfig(path)
				if err != nil {
					return err
				}
			}
			if c.IsSet("gas") {
				config.GasLimit = int(c.Int("gas"))
			}
			if c.Bool("trace") {
				config.Trace = true
			}

			var accel *jit.Compiler
			if c.Bool("jit") {
				accel = jit.New(logger)
			}

			err = run(ctx, logger, os.Stdout, m, runOptions{
				config:    config,
				entry:     c.String("entry"),
				instances: int(c.Int("instances")),
				accel:     accel,
			})

			var fe *vm.FatalError
			if errors.As(err, &fe) {
				reportFatal(os.Stderr, fe)
				os.Exit(1)
			}
			return err
		},
	}
}

type runOptions struct {
	config    vm.Config
	entry     string
	instances int
	accel     *jit.Compiler
}

// run calls the entry function on every instance and prints non-unit
// results. Instances share one heap and one stdout.
func run(ctx context.Context, logger *slog.Logger, stdout io.Writer, m *bytecode.Module, opts runOptions) error {
	if opts.instances < 1 {
		return fmt.Errorf("instance count must be positive: %d", opts.instances)
	}

	h, err := vm.NewHeap(logger, opts.config, vm.Hooks{
		OnCycle: func(stats heap.CycleStats) {
			logger.Debug("collected",
				slog.String("kind", stats.Kind.String()),
				slog.Int("freed", stats.Freed),
				slog.Bool("incremental", stats.Incremental),
				slog.Duration("duration", stats.Duration),
			)
		},
	})
	if err != nil {
		return err
	}

	out := &lockedWriter{w: stdout}

	g, ctx := errgroup.WithContext(ctx)
	for i := range opts.instances {
		g.Go(func() error {
			options := []vm.Option{
				vm.WithConfig(opts.config),
				vm.WithHeap(h),
				vm.WithStdout(out),
			}
			if opts.accel != nil {
				options = append(options, vm.WithAccelerator(opts.accel))
			}

			inst, err := vm.New(logger.With(slog.Int("worker", i)), m, options...)
			if err != nil {
				return err
			}
			defer inst.Close()

			result, err := inst.CallByName(ctx, opts.entry)
			if err != nil {
				return err
			}

			if !result.IsUnit() {
				fmt.Fprintln(out, inst.Format(result))
			}

			if opts.accel != nil {
				stats := inst.AccelStats()
				logger.Debug("accelerator",
					slog.String("instance", inst.ID().String()),
					slog.Int("compiled", stats.Compiled),
					slog.Int("rejected", stats.Rejected),
					slog.Uint64("instructions", stats.Instructions),
				)
			}
			return nil
		})
	}

	err = g.Wait()

	stats := h.Stats()
	logger.Debug("heap",
		slog.Uint64("minor_cycles", stats.MinorCycles),
		slog.Uint64("major_cycles", stats.MajorCycles),
		slog.Int("objects", stats.Objects),
	)
	return err
}

func reportFatal(w io.Writer, fe *vm.FatalError) {
	fmt.Fprintf(w, "%s %v\n", red("fatal:"), fe.Cause)
	fmt.Fprintf(w, "  %s %s\n", faint("at"), yellow(fe.Location.String()))
	if exc, ok := fe.Exception(); ok && len(exc.Details) > 0 {
		fmt.Fprintf(w, "  %s %v\n", faint("details"), exc.Details)
	}
	fmt.Fprintf(w, "  %s %s\n", faint("instance"), fe.Instance)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
