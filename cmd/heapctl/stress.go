package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/joshuapare/safeheap/heap"
	"github.com/spf13/cobra"
)

var (
	stressOps        int
	stressGoroutines int
	stressMaxSize    int
	stressProtect    bool
	stressSample     int
	stressGuarded    int
	stressSeed       int64
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressOps, "ops", 200000, "Operations per goroutine (each an allocation or a free)")
	cmd.Flags().IntVar(&stressGoroutines, "goroutines", 4, "Concurrent goroutines")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 4096, "Largest request size in bytes")
	cmd.Flags().BoolVar(&stressProtect, "protect", false, "Enable escape tracking and boundary padding")
	cmd.Flags().IntVar(&stressSample, "sample-interval", 0, "Heap-profile sampling interval in bytes (0 = off)")
	cmd.Flags().IntVar(&stressGuarded, "guarded-slots", 0, "Guarded page pool slots (0 = off)")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Workload RNG seed")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run an allocation workload and report counters",
		Long: `The stress command runs a randomized allocate/free workload against a
freshly built heap and prints the instrumentation counters and gauges.

Example:
  heapctl stress
  heapctl stress --protect --goroutines 8
  heapctl stress --sample-interval 65536 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

// StressReport is the machine-readable result of one stress run.
type StressReport struct {
	Ops        int
	Goroutines int
	Duration   string
	OpsPerSec  float64

	Stats      heap.Stats
	Properties map[string]uint64
}

func runStress() error {
	if stressOps <= 0 || stressGoroutines <= 0 || stressMaxSize <= 0 {
		return fmt.Errorf("ops, goroutines and max-size must be positive")
	}

	cfg := heap.Config{
		EnableProtection: stressProtect,
		EnableStatistics: true,
		PerCPUCache:      stressGoroutines > 1,
		CacheShards:      stressGoroutines,
		SampleInterval:   uintptr(stressSample),
		GuardedSlots:     stressGuarded,
	}
	if stressGuarded > 0 && stressSample > 0 {
		cfg.GuardedSampleRate = 8
	}
	h := heap.New(cfg)

	printVerbose("running %d ops on %d goroutines, sizes 1-%d\n",
		stressOps, stressGoroutines, stressMaxSize)

	start := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < stressGoroutines; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var live [64]uintptr
			for i := 0; i < stressOps; i++ {
				slot := rng.Intn(len(live))
				if live[slot] != 0 {
					h.Free(live[slot])
					live[slot] = 0
					continue
				}
				size := uintptr(1 + rng.Intn(stressMaxSize))
				p, err := h.Alloc(size, heap.Options{Nothrow: true})
				if err != nil {
					continue
				}
				live[slot] = p
			}
			for _, p := range live {
				h.Free(p)
			}
		}(stressSeed + int64(g))
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := stressOps * stressGoroutines
	report := StressReport{
		Ops:        total,
		Goroutines: stressGoroutines,
		Duration:   elapsed.String(),
		OpsPerSec:  float64(total) / elapsed.Seconds(),
		Stats:      h.Stats(),
		Properties: map[string]uint64{},
	}
	for _, name := range []string{
		"heap.reserved_bytes",
		"heap.in_use_bytes",
		"heap.free_bytes",
		"heap.sampled.count",
		"heap.sampled.internal_fragmentation",
	} {
		if v, ok := h.NumericProperty(name); ok {
			report.Properties[name] = v
		}
	}

	if jsonOut {
		return printJSON(report)
	}
	printInfo("ops:        %d (%0.f/s)\n", report.Ops, report.OpsPerSec)
	printInfo("duration:   %s\n", report.Duration)
	printInfo("mallocs:    %d\n", report.Stats.MallocCalls)
	printInfo("frees:      %d\n", report.Stats.FreeCalls)
	printInfo("sampled:    %d\n", report.Stats.SampledAllocs)
	printInfo("guarded:    %d\n", report.Stats.GuardedAllocs)
	printInfo("reports:    %d\n", report.Stats.ErrorReports)
	printInfo("reserved:   %d bytes\n", report.Properties["heap.reserved_bytes"])
	printInfo("in use:     %d bytes\n", report.Properties["heap.in_use_bytes"])
	return nil
}
