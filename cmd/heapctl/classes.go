package main

import (
	"fmt"

	"github.com/joshuapare/safeheap/heap"
	"github.com/spf13/cobra"
)

var (
	classesProtect bool
	classesCold    bool
)

func init() {
	cmd := newClassesCmd()
	cmd.Flags().BoolVar(&classesProtect, "protect", false, "Size with boundary padding enabled")
	cmd.Flags().BoolVar(&classesCold, "cold", false, "Size for cold-access allocations")
	rootCmd.AddCommand(cmd)
}

func newClassesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classes",
		Short: "Dump the small-object size-class table",
		Long: `The classes command prints the allocator's size classes: each row is
one rounded allocation size and the range of request sizes it serves.

Example:
  heapctl classes
  heapctl classes --protect
  heapctl classes --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClasses()
		},
	}
	return cmd
}

// SizeClass is one row of the dumped table.
type SizeClass struct {
	Size    uint64 // bytes handed out
	MinReq  uint64 // smallest request that maps here
	MaxReq  uint64 // largest request that maps here
	Percent float64
}

func runClasses() error {
	cfg := heap.Config{EnableProtection: classesProtect}
	h := heap.New(cfg)
	opts := heap.Options{}
	if classesCold {
		opts.Access = heap.AccessCold
	}

	const maxSmall = 32 << 10
	var rows []SizeClass
	for req := uintptr(1); req <= maxSmall; req++ {
		got := h.Nallocx(req, opts)
		if len(rows) == 0 || uint64(got) != rows[len(rows)-1].Size {
			rows = append(rows, SizeClass{Size: uint64(got), MinReq: uint64(req)})
		}
		rows[len(rows)-1].MaxReq = uint64(req)
	}
	for i := range rows {
		waste := float64(rows[i].Size-rows[i].MinReq) / float64(rows[i].Size)
		rows[i].Percent = 100 * waste
	}

	if jsonOut {
		return printJSON(rows)
	}
	printInfo("%-6s %-10s %-20s %s\n", "class", "size", "requests", "max waste")
	for i, r := range rows {
		printInfo("%-6d %-10d %-20s %.1f%%\n",
			i+1, r.Size, fmt.Sprintf("%d-%d", r.MinReq, r.MaxReq), r.Percent)
	}
	printVerbose("%d classes up to %d bytes\n", len(rows), maxSmall)
	return nil
}
