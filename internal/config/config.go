// Package config loads JSON configuration files into typed structs,
// generalizing the teacher's utils.CargarConfiguracion[T] generic loader
// into a library call that returns an error instead of exiting the process,
// since this kernel is a library/cmd pair rather than a standalone service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load reads the JSON file at path and decodes it into a new T.
func Load[T any](path string) (*T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	var cfg T
	dec := json.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return &cfg, nil
}

// KernelConfig describes the knobs the kernel boots with: sector geometry,
// physical memory shape, cache sizes, and the active debug flags.
type KernelConfig struct {
	SectorSize               int    `json:"SECTOR_SIZE"`
	NumPhysPages             int    `json:"NUM_PHYS_PAGES"`
	PageSize                 int    `json:"PAGE_SIZE"`
	TLBSize                  int    `json:"TLB_SIZE"`
	DiskCacheSize            int    `json:"DISK_CACHE_SIZE"`
	DiskCacheWriteQueueBound int    `json:"DISK_CACHE_WRITE_QUEUE_BOUND"`
	SchedulerTimeSliceTicks  int    `json:"SCHEDULER_TIME_SLICE_TICKS"`
	LogLevel                 string `json:"LOG_LEVEL"`
	DebugFlags               string `json:"DEBUG_FLAGS"`
}

// Default returns the configuration this kernel boots with absent a config
// file, matching the original Nachos constants (128-byte sectors, 32
// physical pages) where the spec doesn't override them.
func Default() *KernelConfig {
	return &KernelConfig{
		SectorSize:               128,
		NumPhysPages:             32,
		PageSize:                 128,
		TLBSize:                  4,
		DiskCacheSize:            16,
		DiskCacheWriteQueueBound: 8,
		SchedulerTimeSliceTicks:  100,
		LogLevel:                 "info",
		DebugFlags:               "",
	}
}
