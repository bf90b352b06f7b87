package heap

import (
	"fmt"
	"log/slog"
)

type Config struct {
	// NurserySize is the young-generation byte budget that triggers a minor
	// cycle.
	NurserySize int
	// OldThreshold is the old-generation byte count that triggers a major
	// cycle. It grows with the surviving heap.
	OldThreshold int
	// MaxHeap is the hard limit. An allocation that would exceed it fails
	// with ErrOutOfMemory.
	MaxHeap int
	// LargeObjectThreshold sends objects of at least this many bytes to
	// the large-object space.
	LargeObjectThreshold int
	// PromoteAge is the number of survived cycles before promotion.
	PromoteAge int
	// IncrementalBudget, when positive, makes major marking incremental:
	// each safepoint traces at most this many objects.
	IncrementalBudget int
	// Globals is the initial size of the global table.
	Globals int

	OnCycle func(CycleStats)
}

func DefaultConfig() Config {
	return Config{
		NurserySize:          256 << 10,
		OldThreshold:         4 << 20,
		MaxHeap:              64 << 20,
		LargeObjectThreshold: 8 << 10,
		PromoteAge:           2,
		Globals:              256,
	}
}

func (c *Config) Validate(logger *slog.Logger) error {
	def := DefaultConfig()
	if c.NurserySize <= 0 {
		logger.Debug("using default nursery size", slog.Int("bytes", def.NurserySize))
		c.NurserySize = def.NurserySize
	}
	if c.OldThreshold <= 0 {
		c.OldThreshold = def.OldThreshold
	}
	if c.MaxHeap <= 0 {
		c.MaxHeap = def.MaxHeap
	}
	if c.LargeObjectThreshold <= 0 {
		c.LargeObjectThreshold = def.LargeObjectThreshold
	}
	if c.PromoteAge <= 0 {
		c.PromoteAge = def.PromoteAge
	}
	if c.Globals < 0 {
		return fmt.Errorf("globals size must not be negative: %d", c.Globals)
	}
	if c.IncrementalBudget < 0 {
		return fmt.Errorf("incremental budget must not be negative: %d", c.IncrementalBudget)
	}
	if c.NurserySize > c.MaxHeap {
		return fmt.Errorf("nursery size %d exceeds max heap %d", c.NurserySize, c.MaxHeap)
	}
	return nil
}
