package main

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/blockmask/blockmask"
	"github.com/vkngwrapper/blockmask/memutils"
	"github.com/vkngwrapper/blockmask/tracker"
)

var (
	simFrames         int
	simAllocsPerFrame int
	simMaxSize        int
	simLifetime       int
	simSeed           int64
	simDetailedMap    bool
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a deterministic per-frame scratch workload",
		Long: `The simulate command allocates a batch of randomly sized scratch buffers every
frame and frees each buffer after it has lived for a fixed number of frames. The
workload is seeded, so the same flags always produce the same report.

Example:
  blockmask simulate
  blockmask simulate --frames 1000 --allocs 64 --max-size 512 --lifetime 3
  blockmask simulate --pool-size 4096 --json --map`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&simFrames, "frames", 240, "Number of frames to simulate")
	cmd.Flags().IntVar(&simAllocsPerFrame, "allocs", 32, "Allocations requested per frame")
	cmd.Flags().IntVar(&simMaxSize, "max-size", 256, "Largest request size in bytes")
	cmd.Flags().IntVar(&simLifetime, "lifetime", 1, "Frames each allocation lives before it is freed")
	cmd.Flags().Int64Var(&simSeed, "seed", 1, "Seed for request sizes")
	cmd.Flags().BoolVar(&simDetailedMap, "map", false, "Include every pool region in the JSON report")
	return cmd
}

type simulationReport struct {
	Frames          int
	Requests        int
	Failures        int
	PeakAllocations int
	PeakBlocks      int
}

func runSimulate(cmd *cobra.Command, out io.Writer) error {
	if simFrames < 0 || simAllocsPerFrame < 0 || simMaxSize < 1 || simLifetime < 1 {
		return errors.New("--frames and --allocs must not be negative, and --max-size and --lifetime must be at least 1")
	}

	allocator, err := newAllocator(cmd, poolSize)
	if err != nil {
		return err
	}
	scratch := tracker.New(newLogger(cmd.ErrOrStderr()), allocator, tracker.Options{
		ExternallySynchronized: true,
		InitialCapacity:        simAllocsPerFrame * simLifetime,
	})

	random := rand.New(rand.NewSource(simSeed))
	generations := make([][][]byte, simLifetime)

	var report simulationReport
	for frame := 0; frame < simFrames; frame++ {
		generation := frame % simLifetime
		for _, data := range generations[generation] {
			err = scratch.FreeBytes(data)
			if err != nil {
				return errors.Wrapf(err, "frame %d", frame)
			}
		}
		generations[generation] = generations[generation][:0]

		for i := 0; i < simAllocsPerFrame; i++ {
			report.Requests++
			data := scratch.AllocateBytes(1+random.Intn(simMaxSize), fmt.Sprintf("frame %d #%d", frame, i))
			if data == nil {
				report.Failures++
				continue
			}
			generations[generation] = append(generations[generation], data)
		}

		var stats memutils.Statistics
		allocator.AddStatistics(&stats)
		report.PeakAllocations = max(report.PeakAllocations, stats.AllocationCount)
		report.PeakBlocks = max(report.PeakBlocks, stats.AllocatedBlocks)
		report.Frames++
	}

	err = scratch.Validate()
	if err != nil {
		return errors.Wrap(err, "the workload left the allocator inconsistent")
	}

	if jsonOut {
		err = printSimulationJSON(out, allocator, report)
	} else {
		err = printSimulationText(out, allocator, report)
	}
	if err != nil {
		return err
	}

	for _, generation := range generations {
		for _, data := range generation {
			err = scratch.FreeBytes(data)
			if err != nil {
				return err
			}
		}
	}
	return scratch.Destroy()
}

func printSimulationText(out io.Writer, allocator *blockmask.Allocator, report simulationReport) error {
	var stats memutils.DetailedStatistics
	stats.Clear()
	allocator.AddDetailedStatistics(&stats)

	_, err := fmt.Fprintf(out,
		"frames=%d requests=%d failures=%d peak_allocations=%d peak_blocks=%d/%d\n"+
			"live_allocations=%d free_bytes=%d free_runs=%d external_fragmentation=%.3f\n",
		report.Frames, report.Requests, report.Failures, report.PeakAllocations, report.PeakBlocks, allocator.BlockCount(),
		stats.AllocationCount, stats.FreeBytes(), stats.FreeRunCount, stats.ExternalFragmentation(),
	)
	return err
}

func printSimulationJSON(out io.Writer, allocator *blockmask.Allocator, report simulationReport) error {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Frames").Int(report.Frames)
	obj.Name("Requests").Int(report.Requests)
	obj.Name("Failures").Int(report.Failures)
	obj.Name("PeakAllocations").Int(report.PeakAllocations)
	obj.Name("PeakBlocks").Int(report.PeakBlocks)

	obj.Name("Pool")
	if simDetailedMap {
		allocator.PrintDetailedMap(&writer)
	} else {
		pool := writer.Object()
		allocator.BlockJsonData(&pool)
		pool.End()
	}
	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "could not encode the simulation report")
	}

	_, err := fmt.Fprintln(out, string(writer.Bytes()))
	return err
}
