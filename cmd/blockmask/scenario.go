package main

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/blockmask/blockmask"
)

func newScenarioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenario",
		Short: "Replay the 8-block allocate/free walkthrough",
		Long: `The scenario command creates an 8-block pool, allocates 2 blocks, allocates
3 blocks, then frees the first allocation, printing both masks after every step.
Mask strings list the lowest block first.

Example:
  blockmask scenario
  blockmask scenario --json
  blockmask scenario -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, cmd.OutOrStdout())
		},
	}
}

type scenarioStep struct {
	Description string
	Block       int
	Free        string
	Final       string
}

func runScenario(cmd *cobra.Command, out io.Writer) error {
	allocator, err := newAllocator(cmd, 8*blockmask.BlockSize)
	if err != nil {
		return err
	}
	defer allocator.Close()

	var steps []scenarioStep
	record := func(description string, ptr unsafe.Pointer) {
		block := -1
		if ptr != nil {
			block, _ = allocator.BlockIndex(ptr)
		}
		free, final := allocator.Snapshot().Render()
		steps = append(steps, scenarioStep{Description: description, Block: block, Free: free, Final: final})
	}

	record("start", nil)

	first := allocator.Allocate(2 * blockmask.BlockSize)
	record("allocate 2 blocks", first)

	second := allocator.Allocate(3 * blockmask.BlockSize)
	record("allocate 3 blocks", second)

	err = allocator.Release(first)
	if err != nil {
		return err
	}
	record("free first allocation", nil)

	err = allocator.Validate()
	if err != nil {
		return errors.Wrap(err, "the walkthrough left the allocator inconsistent")
	}

	if jsonOut {
		return printScenarioJSON(out, steps)
	}

	for _, step := range steps {
		if step.Block >= 0 {
			fmt.Fprintf(out, "%-22s free=%s final=%s block=%d\n", step.Description, step.Free, step.Final, step.Block)
		} else {
			fmt.Fprintf(out, "%-22s free=%s final=%s\n", step.Description, step.Free, step.Final)
		}
	}
	return nil
}

func printScenarioJSON(out io.Writer, steps []scenarioStep) error {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	arr := obj.Name("Steps").Array()
	for _, step := range steps {
		stepObj := arr.Object()
		stepObj.Name("Description").String(step.Description)
		stepObj.Maybe("Block", step.Block >= 0).Int(step.Block)
		stepObj.Name("Free").String(step.Free)
		stepObj.Name("Final").String(step.Final)
		stepObj.End()
	}
	arr.End()
	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "could not encode the walkthrough")
	}

	_, err := fmt.Fprintln(out, string(writer.Bytes()))
	return err
}
