package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/IvanBrykalov/blockcache/cache"
	"github.com/naoina/toml"
)

// TOML keys use the Go field names as-is.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

type cacheConfig struct {
	Capacity  int
	BlockSize int
}

type deviceConfig struct {
	Kind       string // mem | file | pebble
	Path       string `toml:",omitempty"`
	Count      int    // devices mounted as ids 0..Count-1
	Blocks     uint64
	IOPS       float64 `toml:",omitempty"` // 0 = unthrottled
	Burst      int     `toml:",omitempty"`
	SyncWrites bool
}

type workloadConfig struct {
	Workers  int
	Duration time.Duration
	ReadPct  int
	PinPct   int
	ZipfS    float64
	Seed     int64 `toml:",omitempty"`
}

type serveConfig struct {
	MetricsAddr string `toml:",omitempty"`
	PprofAddr   string `toml:",omitempty"`
}

type benchConfig struct {
	Cache    cacheConfig
	Device   deviceConfig
	Workload workloadConfig
	Serve    serveConfig
}

func defaultConfig() benchConfig {
	return benchConfig{
		Cache: cacheConfig{
			Capacity:  cache.DefaultCapacity * 8,
			BlockSize: cache.DefaultBlockSize,
		},
		Device: deviceConfig{
			Kind:   "mem",
			Count:  1,
			Blocks: 4096,
		},
		Workload: workloadConfig{
			Workers:  8,
			Duration: 5 * time.Second,
			ReadPct:  80,
			PinPct:   5,
			ZipfS:    1.1,
		},
	}
}

func loadConfig(file string, cfg *benchConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// validate rejects configurations the cache or the workload cannot run.
func (cfg *benchConfig) validate() error {
	switch cfg.Device.Kind {
	case "mem":
	case "file", "pebble":
		if cfg.Device.Path == "" {
			return fmt.Errorf("device %q needs a path", cfg.Device.Kind)
		}
	default:
		return fmt.Errorf("unknown device kind %q (use mem, file or pebble)", cfg.Device.Kind)
	}
	if cfg.Device.Count < 1 || cfg.Device.Blocks < 1 {
		return errors.New("device count and blocks must be positive")
	}
	if cfg.Cache.BlockSize <= 0 {
		return errors.New("block size must be positive")
	}
	if cfg.Workload.Workers < 1 {
		return errors.New("need at least one worker")
	}
	// Each worker holds at most one handle plus one pin.
	if cfg.Cache.Capacity < 2*cfg.Workload.Workers {
		return fmt.Errorf("capacity %d too small for %d workers (need %d)",
			cfg.Cache.Capacity, cfg.Workload.Workers, 2*cfg.Workload.Workers)
	}
	if p := cfg.Workload.ReadPct + cfg.Workload.PinPct; cfg.Workload.ReadPct < 0 || cfg.Workload.PinPct < 0 || p > 100 {
		return fmt.Errorf("read and pin percentages must be >= 0 and sum to at most 100 (got %d)", p)
	}
	if cfg.Workload.ZipfS <= 1 {
		return fmt.Errorf("zipf s must be > 1 (got %v)", cfg.Workload.ZipfS)
	}
	return nil
}
