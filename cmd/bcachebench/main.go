// Command bcachebench drives a synthetic block workload through the buffer
// cache and reports hit rate and throughput. Metrics and pprof can be served
// over HTTP while it runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/blockcache/cache"
	"github.com/IvanBrykalov/blockcache/device"
	pmet "github.com/IvanBrykalov/blockcache/metrics/prom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var (
	configFileFlag = &cli.StringFlag{Name: "config", Usage: "TOML configuration file"}

	capacityFlag  = &cli.IntFlag{Name: "capacity", Usage: "number of cache buffers"}
	blockSizeFlag = &cli.IntFlag{Name: "block-size", Usage: "bytes per block"}

	deviceFlag  = &cli.StringFlag{Name: "device", Usage: "backing device: mem | file | pebble"}
	pathFlag    = &cli.StringFlag{Name: "path", Usage: "file or database path for file/pebble devices"}
	devsFlag    = &cli.IntFlag{Name: "devices", Usage: "number of devices to mount"}
	blocksFlag  = &cli.Uint64Flag{Name: "blocks", Usage: "blocks per device"}
	iopsFlag    = &cli.Float64Flag{Name: "iops", Usage: "device transfers per second (0 = unlimited)"}
	burstFlag   = &cli.IntFlag{Name: "burst", Usage: "device transfer burst"}
	syncFlag    = &cli.BoolFlag{Name: "sync", Usage: "sync every device write"}
	workersFlag = &cli.IntFlag{Name: "workers", Usage: "worker goroutines"}
	durFlag     = &cli.DurationFlag{Name: "duration", Usage: "benchmark duration"}
	readsFlag   = &cli.IntFlag{Name: "reads", Usage: "percentage of read-only operations"}
	pinsFlag    = &cli.IntFlag{Name: "pins", Usage: "percentage of read+pin operations"}
	zipfFlag    = &cli.Float64Flag{Name: "zipf-s", Usage: "zipf skew (> 1)"}
	seedFlag    = &cli.Int64Flag{Name: "seed", Usage: "random seed (0 = time based)"}

	metricsFlag = &cli.StringFlag{Name: "metrics", Usage: "serve Prometheus metrics at addr (e.g. :8080)"}
	pprofFlag   = &cli.StringFlag{Name: "pprof", Usage: "serve pprof at addr (e.g. :6060)"}

	verbosityFlag = &cli.StringFlag{Name: "verbosity", Value: "info", Usage: "log level: debug | info | warn | error"}
	logJSONFlag   = &cli.BoolFlag{Name: "log.json", Usage: "log in JSON"}
)

var workloadFlags = []cli.Flag{
	configFileFlag,
	capacityFlag, blockSizeFlag,
	deviceFlag, pathFlag, devsFlag, blocksFlag, iopsFlag, burstFlag, syncFlag,
	workersFlag, durFlag, readsFlag, pinsFlag, zipfFlag, seedFlag,
	metricsFlag, pprofFlag,
	verbosityFlag, logJSONFlag,
}

func main() {
	app := &cli.App{
		Name:   "bcachebench",
		Usage:  "buffer cache workload generator",
		Flags:  workloadFlags,
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "dumpconfig",
				Usage:  "print the effective configuration as TOML",
				Flags:  workloadFlags,
				Action: dumpConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// makeConfig loads defaults, then the config file, then explicit flags.
func makeConfig(ctx *cli.Context) (benchConfig, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(capacityFlag.Name) {
		cfg.Cache.Capacity = ctx.Int(capacityFlag.Name)
	}
	if ctx.IsSet(blockSizeFlag.Name) {
		cfg.Cache.BlockSize = ctx.Int(blockSizeFlag.Name)
	}
	if ctx.IsSet(deviceFlag.Name) {
		cfg.Device.Kind = ctx.String(deviceFlag.Name)
	}
	if ctx.IsSet(pathFlag.Name) {
		cfg.Device.Path = ctx.String(pathFlag.Name)
	}
	if ctx.IsSet(devsFlag.Name) {
		cfg.Device.Count = ctx.Int(devsFlag.Name)
	}
	if ctx.IsSet(blocksFlag.Name) {
		cfg.Device.Blocks = ctx.Uint64(blocksFlag.Name)
	}
	if ctx.IsSet(iopsFlag.Name) {
		cfg.Device.IOPS = ctx.Float64(iopsFlag.Name)
	}
	if ctx.IsSet(burstFlag.Name) {
		cfg.Device.Burst = ctx.Int(burstFlag.Name)
	}
	if ctx.IsSet(syncFlag.Name) {
		cfg.Device.SyncWrites = ctx.Bool(syncFlag.Name)
	}
	if ctx.IsSet(workersFlag.Name) {
		cfg.Workload.Workers = ctx.Int(workersFlag.Name)
	}
	if ctx.IsSet(durFlag.Name) {
		cfg.Workload.Duration = ctx.Duration(durFlag.Name)
	}
	if ctx.IsSet(readsFlag.Name) {
		cfg.Workload.ReadPct = ctx.Int(readsFlag.Name)
	}
	if ctx.IsSet(pinsFlag.Name) {
		cfg.Workload.PinPct = ctx.Int(pinsFlag.Name)
	}
	if ctx.IsSet(zipfFlag.Name) {
		cfg.Workload.ZipfS = ctx.Float64(zipfFlag.Name)
	}
	if ctx.IsSet(seedFlag.Name) {
		cfg.Workload.Seed = ctx.Int64(seedFlag.Name)
	}
	if ctx.IsSet(metricsFlag.Name) {
		cfg.Serve.MetricsAddr = ctx.String(metricsFlag.Name)
	}
	if ctx.IsSet(pprofFlag.Name) {
		cfg.Serve.PprofAddr = ctx.String(pprofFlag.Name)
	}
	return cfg, cfg.validate()
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func newLogger(ctx *cli.Context) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(ctx.String(verbosityFlag.Name))); err != nil {
		return nil, fmt.Errorf("verbosity: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if ctx.Bool(logJSONFlag.Name) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// openDevice opens device number i as described by cfg.
func openDevice(cfg deviceConfig, blockSize, i int) (device.BlockDevice, error) {
	var (
		bd  device.BlockDevice
		err error
	)
	switch cfg.Kind {
	case "mem":
		bd = device.NewMem(blockSize, cfg.Blocks)
	case "file":
		bd, err = device.OpenFile(cfg.Path+"."+strconv.Itoa(i), device.FileOptions{
			BlockSize:  blockSize,
			Blocks:     cfg.Blocks,
			SyncWrites: cfg.SyncWrites,
		})
	case "pebble":
		bd, err = device.OpenKV(filepath.Join(cfg.Path, strconv.Itoa(i)), device.KVOptions{
			BlockSize:  blockSize,
			Blocks:     cfg.Blocks,
			SyncWrites: cfg.SyncWrites,
		})
	default:
		err = fmt.Errorf("unknown device kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	if cfg.IOPS > 0 {
		bd = device.NewThrottled(bd, cfg.IOPS, cfg.Burst)
	}
	return bd, nil
}

func serve(log *slog.Logger, what, addr string, h http.Handler) {
	go func() {
		log.Info("serving", "what", what, "addr", addr)
		if err := http.ListenAndServe(addr, h); err != nil {
			log.Error("http server stopped", "what", what, "error", err)
		}
	}()
}

func run(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	log, err := newLogger(ctx)
	if err != nil {
		return err
	}

	// ---- HTTP endpoints ----
	if cfg.Serve.PprofAddr != "" {
		serve(log, "pprof", cfg.Serve.PprofAddr, http.DefaultServeMux)
	}
	reg := prometheus.NewRegistry()
	metrics := pmet.New(reg, "blockcache", "bench", prometheus.Labels{"device": cfg.Device.Kind})
	if cfg.Serve.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		serve(log, "metrics", cfg.Serve.MetricsAddr, mux)
	}

	// ---- Devices and cache ----
	tab := device.NewTable(log)
	defer func() {
		if err := tab.Close(); err != nil {
			log.Error("closing devices", "error", err)
		}
	}()
	for i := 0; i < cfg.Device.Count; i++ {
		bd, err := openDevice(cfg.Device, cfg.Cache.BlockSize, i)
		if err != nil {
			return err
		}
		if err := tab.Mount(cache.Dev(i), bd); err != nil {
			bd.Close()
			return err
		}
	}
	c := cache.New(cache.Options{
		Capacity:  cfg.Cache.Capacity,
		BlockSize: cfg.Cache.BlockSize,
		Device:    tab,
		Metrics:   metrics,
		Logger:    log,
	})

	// ---- Load generation ----
	seed := cfg.Workload.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	runCtx, cancel := context.WithTimeout(ctx.Context, cfg.Workload.Duration)
	defer cancel()

	var ops, ioErrs atomic.Uint64
	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < cfg.Workload.Workers; w++ {
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(seed + int64(w)*9973))
			zipf := rand.NewZipf(r, cfg.Workload.ZipfS, 1, cfg.Device.Blocks-1)
			for gctx.Err() == nil {
				dev := cache.Dev(r.Intn(cfg.Device.Count))
				err := step(gctx, c, dev, zipf.Uint64(), r.Intn(100), cfg.Workload)
				switch {
				case err == nil:
					ops.Add(1)
				case gctx.Err() != nil:
					return nil
				case errors.Is(err, cache.ErrIO):
					ioErrs.Add(1)
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	// ---- Report ----
	st := c.Stats()
	hitRate := 0.0
	if n := st.Hits + st.Misses; n > 0 {
		hitRate = float64(st.Hits) / float64(n) * 100
	}
	n := ops.Load()
	fmt.Printf("device=%s x%d cap=%d bs=%d workers=%d dur=%v seed=%d\n",
		cfg.Device.Kind, cfg.Device.Count, st.Capacity, st.BlockSize, cfg.Workload.Workers, elapsed.Round(time.Millisecond), seed)
	fmt.Printf("ops=%d (%.0f ops/s)  io-errors=%d\n", n, float64(n)/elapsed.Seconds(), ioErrs.Load())
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%  evictions=%d\n", st.Hits, st.Misses, hitRate, st.Evictions)
	fmt.Printf("device reads=%d  writes=%d  errors=%d  in-use=%d\n", st.Reads, st.Writes, st.IOErrors, st.InUse)
	return nil
}

// step runs one operation chosen by roll against the workload mix: a plain
// read, a read that pins the block across its release, or a
// read-modify-write.
func step(ctx context.Context, c *cache.BufferCache, dev cache.Dev, block uint64, roll int, wl workloadConfig) error {
	h, err := c.Read(ctx, dev, block)
	if err != nil {
		return err
	}
	switch {
	case roll < wl.ReadPct:
		c.Release(h)
	case roll < wl.ReadPct+wl.PinPct:
		b := h.Buf()
		c.Pin(b)
		c.Release(h)
		c.Unpin(b)
	default:
		p := h.Data()
		p[0]++
		err = c.Write(ctx, h)
		c.Release(h)
	}
	return err
}
