package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rhino1998/vireo/pkg/bytecode"
	"github.com/urfave/cli/v3"
)

var ErrRoundTrip = errors.New("module does not survive a round trip")

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a module",
		ArgsUsage: "<module>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "hex",
				Usage: "dump the encoded module",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "check that the module re-encodes to identical bytes",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := newLogger(c)

			m, raw, err := loadArg(logger, c)
			if err != nil {
				return err
			}

			if raw == nil {
				raw, err = bytecode.Encode(m)
				if err != nil {
					return err
				}
			}

			summarize(os.Stdout, m, len(raw))

			if c.Bool("hex") {
				fmt.Fprintln(os.Stdout)
				fmt.Fprint(os.Stdout, hex.Dump(raw))
			}

			if c.Bool("verify") {
				err = verifyRoundTrip(raw)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, "verified")
			}
			return nil
		},
	}
}

func summarize(w io.Writer, m *bytecode.Module, size int) {
	fmt.Fprintf(w, "version     %s\n", m.Version)
	fmt.Fprintf(w, "size        %d bytes\n", size)
	fmt.Fprintf(w, "flags       %s\n", m.Flags)
	fmt.Fprintf(w, "strings     %d\n", len(m.Strings))
	fmt.Fprintf(w, "constants   %d\n", len(m.Constants))
	fmt.Fprintf(w, "types       %d\n", len(m.Types))
	fmt.Fprintf(w, "imports     %d\n", len(m.Imports))
	fmt.Fprintf(w, "globals     %d\n", m.GlobalCount())
	fmt.Fprintf(w, "data        %d\n", len(m.Data))
	fmt.Fprintf(w, "functions   %d\n", len(m.Functions))

	for i, fn := range m.Functions {
		fmt.Fprintf(w, "  f%-3d %-20s params=%d regs=%d blocks=%d instructions=%d handlers=%d\n",
			i, m.StringAt(fn.Name), fn.Params, fn.Registers, len(fn.Blocks), fn.InstructionCount(), len(fn.Handlers))
	}

	for _, imp := range m.Imports {
		fmt.Fprintf(w, "  import %s/%d\n", m.StringAt(imp.Name), imp.Arity)
	}

	for _, ext := range m.Extensions {
		fmt.Fprintf(w, "  extension 0x%02x %d bytes\n", ext.Tag, len(ext.Payload))
	}
}

// verifyRoundTrip loads raw and checks that encoding the result reproduces
// it exactly.
func verifyRoundTrip(raw []byte) error {
	m, err := bytecode.Load(raw)
	if err != nil {
		return err
	}

	again, err := bytecode.Encode(m)
	if err != nil {
		return err
	}

	if !bytes.Equal(raw, again) {
		for i := range min(len(raw), len(again)) {
			if raw[i] != again[i] {
				return fmt.Errorf("%w: first difference at offset %d", ErrRoundTrip, i)
			}
		}
		return fmt.Errorf("%w: %d bytes re-encoded as %d", ErrRoundTrip, len(raw), len(again))
	}
	return nil
}
