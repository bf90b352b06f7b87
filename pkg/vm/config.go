package vm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rhino1998/vireo/pkg/heap"
)

const (
	DefaultMaxCallDepth   = 1 << 16
	DefaultMaxStack       = 1 << 20
	DefaultCheckInterval  = 1000
	DefaultAccelThreshold = 1000
)

// Config tunes one VM instance and, unless a shared heap is supplied, the
// heap it creates. Zero values select defaults.
type Config struct {
	NurserySize          int  `toml:"nursery_size"`
	OldThreshold         int  `toml:"old_threshold"`
	MaxHeap              int  `toml:"max_heap"`
	LargeObjectThreshold int  `toml:"large_object_threshold"`
	PromoteAge           int  `toml:"promote_age"`
	IncrementalBudget    int  `toml:"incremental_budget"`
	Globals              int  `toml:"globals"`
	MaxCallDepth         int  `toml:"max_call_depth"`
	MaxStack             int  `toml:"max_stack"`
	GasLimit             int  `toml:"gas_limit"`
	CheckInterval        int  `toml:"check_interval"`
	AccelThreshold       int  `toml:"accel_threshold"`
	Trace                bool `toml:"trace"`
}

func DefaultConfig() Config {
	hc := heap.DefaultConfig()
	return Config{
		NurserySize:          hc.NurserySize,
		OldThreshold:         hc.OldThreshold,
		MaxHeap:              hc.MaxHeap,
		LargeObjectThreshold: hc.LargeObjectThreshold,
		PromoteAge:           hc.PromoteAge,
		Globals:              hc.Globals,
		MaxCallDepth:         DefaultMaxCallDepth,
		MaxStack:             DefaultMaxStack,
		CheckInterval:        DefaultCheckInterval,
		AccelThreshold:       DefaultAccelThreshold,
	}
}

func (c *Config) Validate(logger *slog.Logger) error {
	if c.MaxCallDepth < 0 {
		return fmt.Errorf("max call depth must not be negative: %d", c.MaxCallDepth)
	}
	if c.MaxCallDepth == 0 {
		c.MaxCallDepth = DefaultMaxCallDepth
	}
	if c.MaxStack < 0 {
		return fmt.Errorf("max stack must not be negative: %d", c.MaxStack)
	}
	if c.MaxStack == 0 {
		c.MaxStack = DefaultMaxStack
	}
	if c.GasLimit < 0 {
		return fmt.Errorf("gas limit must not be negative: %d", c.GasLimit)
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.AccelThreshold < 0 {
		return fmt.Errorf("acceleration threshold must not be negative: %d", c.AccelThreshold)
	}
	if c.Globals == 0 {
		c.Globals = heap.DefaultConfig().Globals
	}

	hc := c.HeapConfig()
	if err := hc.Validate(logger); err != nil {
		return err
	}
	c.NurserySize = hc.NurserySize
	c.OldThreshold = hc.OldThreshold
	c.MaxHeap = hc.MaxHeap
	c.LargeObjectThreshold = hc.LargeObjectThreshold
	c.PromoteAge = hc.PromoteAge

	if c.Trace && !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		logger.Warn("instruction tracing requested but debug logging is disabled")
	}
	return nil
}

// HeapConfig projects the memory settings onto heap.Config.
func (c Config) HeapConfig() heap.Config {
	return heap.Config{
		NurserySize:          c.NurserySize,
		OldThreshold:         c.OldThreshold,
		MaxHeap:              c.MaxHeap,
		LargeObjectThreshold: c.LargeObjectThreshold,
		PromoteAge:           c.PromoteAge,
		IncrementalBudget:    c.IncrementalBudget,
		Globals:              c.Globals,
	}
}

// DecodeConfig reads a TOML document over the defaults.
func DecodeConfig(r io.Reader) (Config, error) {
	config := DefaultConfig()
	md, err := toml.NewDecoder(r).Decode(&config)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return config, nil
}

func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	return DecodeConfig(f)
}

type options struct {
	config      Config
	registry    *Registry
	heap        *heap.Heap
	accelerator Accelerator
	hooks       Hooks
	stdout      io.Writer
}

// Option configures an instance created by New.
type Option func(*options)

func WithConfig(config Config) Option {
	return func(o *options) {
		o.config = config
	}
}

// WithRegistry supplies the natives and host intrinsics imports are linked
// against. The default is a registry holding the standard natives.
func WithRegistry(registry *Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithHeap runs the instance on a heap shared with other instances. Memory
// settings in Config are then ignored.
func WithHeap(h *heap.Heap) Option {
	return func(o *options) {
		o.heap = h
	}
}

func WithAccelerator(accel Accelerator) Option {
	return func(o *options) {
		o.accelerator = accel
	}
}

func WithHooks(hooks Hooks) Option {
	return func(o *options) {
		o.hooks = hooks
	}
}

func WithStdout(w io.Writer) Option {
	return func(o *options) {
		o.stdout = w
	}
}

func WithGasLimit(limit int) Option {
	return func(o *options) {
		o.config.GasLimit = limit
	}
}

func WithMaxCallDepth(depth int) Option {
	return func(o *options) {
		o.config.MaxCallDepth = depth
	}
}

// WithMaxStack bounds the register slots live across all frames.
func WithMaxStack(values int) Option {
	return func(o *options) {
		o.config.MaxStack = values
	}
}

func WithTrace(trace bool) Option {
	return func(o *options) {
		o.config.Trace = trace
	}
}

// NewHeap creates a heap that several instances can share through WithHeap.
func NewHeap(logger *slog.Logger, config Config, hooks Hooks) (*heap.Heap, error) {
	if err := config.Validate(logger); err != nil {
		return nil, fmt.Errorf("failed to validate vm config: %w", err)
	}
	hc := config.HeapConfig()
	hc.OnCycle = hooks.OnCycle
	return heap.New(logger, hc)
}
