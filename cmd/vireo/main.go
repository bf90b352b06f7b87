package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rhino1998/vireo/pkg/asm"
	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := &cli.Command{
		Name:  "vireo",
		Usage: "The Vireo bytecode virtual machine",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "log at debug level",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			{
				Name:      "dis",
				Usage:     "Disassemble a module",
				ArgsUsage: "<module>",
				Action: func(ctx context.Context, c *cli.Command) error {
					logger := newLogger(c)

					m, _, err := loadArg(logger, c)
					if err != nil {
						return err
					}

					return bytecode.Disassemble(os.Stdout, m)
				},
			},
			inspectCommand(),
			{
				Name:      "asm",
				Usage:     "Assemble a text module into its binary form",
				ArgsUsage: "<source.vasm>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "output path (default: source with a .vbc extension)",
					},
					&cli.BoolFlag{
						Name:  "compress",
						Usage: "store sections as zstd frames",
					},
					&cli.BoolFlag{
						Name:  "checksum",
						Usage: "append a CRC-32 trailer",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					logger := newLogger(c)

					if c.Args().Len() != 1 {
						return fmt.Errorf("must provide exactly one assembly file as argument")
					}
					path := c.Args().First()

					src, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("failed to read assembly: %w", err)
					}

					m, err := asm.Assemble(logger, path, src)
					if err != nil {
						return err
					}
					if c.Bool("compress") {
						m.Flags |= bytecode.FlagCompressed
					}
					if c.Bool("checksum") {
						m.Flags |= bytecode.FlagChecksum
					}

					out := c.String("output")
					if out == "" {
						out = strings.TrimSuffix(path, filepath.Ext(path)) + ".vbc"
					}

					f, err := os.Create(out)
					if err != nil {
						return fmt.Errorf("failed to create output: %w", err)
					}
					defer f.Close()

					err = bytecode.WriteTo(f, m)
					if err != nil {
						return fmt.Errorf("failed to write module: %w", err)
					}

					logger.Info("wrote module", slog.String("path", out), slog.Int("functions", len(m.Functions)))
					return f.Close()
				},
			},
		},
	}

	err := cmd.Run(ctx, os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func newLogger(c *cli.Command) *slog.Logger {
	level := slog.LevelInfo
	if c.Bool("debug") || c.Bool("trace") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadArg(logger *slog.Logger, c *cli.Command) (*bytecode.Module, []byte, error) {
	if c.Args().Len() != 1 {
		return nil, nil, fmt.Errorf("must provide exactly one module as argument")
	}
	return loadModule(logger, c.Args().First())
}

// loadModule reads a binary module, or assembles one when the file is text
// assembly. The raw bytes are returned for binary modules only.
func loadModule(logger *slog.Logger, path string) (*bytecode.Module, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read module: %w", err)
	}

	if filepath.Ext(path) == ".vasm" || !bytes.HasPrefix(data, bytecode.Magic[:]) {
		m, err := asm.Assemble(logger, path, data)
		if err != nil {
			return nil, nil, err
		}
		return m, nil, nil
	}

	m, err := bytecode.Load(data)
	if err != nil {
		return nil, nil, err
	}

	logger.Debug("loaded module",
		slog.String("path", path),
		slog.String("version", m.Version.String()),
		slog.Int("bytes", len(data)),
	)
	return m, data, nil
}
