package vm_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/rhino1998/vireo/pkg/vm"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig(t *testing.T) {
	r := require.New(t)

	config, err := vm.DecodeConfig(strings.NewReader(`
nursery_size = 65536
max_heap = 1048576
gas_limit = 500
incremental_budget = 64
trace = true
`))
	r.NoError(err)
	r.Equal(65536, config.NurserySize)
	r.Equal(1048576, config.MaxHeap)
	r.Equal(500, config.GasLimit)
	r.Equal(64, config.IncrementalBudget)
	r.True(config.Trace)

	// unset keys keep their defaults
	r.Equal(vm.DefaultMaxCallDepth, config.MaxCallDepth)
	r.Equal(vm.DefaultMaxStack, config.MaxStack)
	r.Equal(vm.DefaultAccelThreshold, config.AccelThreshold)

	r.NoError(config.Validate(slogt.New(t)))
	hc := config.HeapConfig()
	r.Equal(65536, hc.NurserySize)
	r.Equal(64, hc.IncrementalBudget)
}

func TestDecodeConfigErrors(t *testing.T) {
	r := require.New(t)

	_, err := vm.DecodeConfig(strings.NewReader(`max_heep = 10`))
	r.ErrorContains(err, "max_heep")

	_, err = vm.DecodeConfig(strings.NewReader(`gas_limit = "lots"`))
	r.Error(err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*vm.Config)
		ok     bool
	}{
		{"defaults", func(*vm.Config) {}, true},
		{"zero value", func(c *vm.Config) { *c = vm.Config{} }, true},
		{"negative gas", func(c *vm.Config) { c.GasLimit = -1 }, false},
		{"negative depth", func(c *vm.Config) { c.MaxCallDepth = -1 }, false},
		{"negative stack", func(c *vm.Config) { c.MaxStack = -1 }, false},
		{"negative threshold", func(c *vm.Config) { c.AccelThreshold = -1 }, false},
		{"nursery above limit", func(c *vm.Config) { c.NurserySize, c.MaxHeap = 2 << 20, 1 << 20 }, false},
		{"negative budget", func(c *vm.Config) { c.IncrementalBudget = -5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := vm.DefaultConfig()
			tt.mutate(&config)
			err := config.Validate(slogt.New(t))
			if tt.ok {
				require.NoError(t, err)
				require.Positive(t, config.MaxCallDepth)
				require.Positive(t, config.MaxStack)
				require.Positive(t, config.CheckInterval)
				require.Positive(t, config.MaxHeap)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	r := require.New(t)

	path := filepath.Join(t.TempDir(), "vireo.toml")
	r.NoError(os.WriteFile(path, []byte("max_call_depth = 64\nmax_stack = 4096\ncheck_interval = 10\n"), 0o644))

	config, err := vm.LoadConfig(path)
	r.NoError(err)
	r.Equal(64, config.MaxCallDepth)
	r.Equal(4096, config.MaxStack)
	r.Equal(10, config.CheckInterval)

	_, err = vm.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	r.ErrorIs(err, os.ErrNotExist)
}
