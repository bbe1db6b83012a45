package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Fybrk/dupfinder/internal/grouping"
	"github.com/Fybrk/dupfinder/internal/scheduler"
	"github.com/Fybrk/dupfinder/pkg/dupfinder"
	"github.com/Fybrk/dupfinder/pkg/types"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	var noVerify, showMetrics, watch bool

	cmd := &cobra.Command{
		Use:   "scan ROOT...",
		Short: "Scan directory trees and report duplicate groups",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var verify *bool
			if noVerify {
				v := false
				verify = &v
			}
			engine, cleanup, err := ctx.openEngine(watch, verify)
			if err != nil {
				return err
			}
			defer cleanup()

			var opened []dupfinder.ContextInfo
			for _, root := range args {
				info, err := engine.OpenContext(root, "")
				if err != nil {
					return err
				}
				opened = append(opened, info)
			}

			out := cmd.OutOrStdout()
			printReport(out, engine, opened)
			if showMetrics {
				if err := printMetrics(out); err != nil {
					return err
				}
			}
			if !watch {
				return nil
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine.Subscribe(func(scheduler.Event) {
				printReport(out, engine, engine.Contexts())
			})
			fmt.Fprintln(out, "Watching for changes. Press Ctrl+C to stop")
			<-runCtx.Done()
			return engine.Wait(context.Background())
		},
	}

	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Trust matching full digests without comparing bytes")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print instrumentation counters after the scan")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep running and re-analyze on file changes")
	return cmd
}

func printReport(out io.Writer, engine *dupfinder.Engine, contexts []dupfinder.ContextInfo) {
	seen := make(map[types.GroupID]bool)
	var groups []grouping.Group
	for _, info := range contexts {
		for _, g := range engine.GroupsForContext(info.ID) {
			if !seen[g.ID] {
				seen[g.ID] = true
				groups = append(groups, g)
			}
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Waste() != groups[j].Waste() {
			return groups[i].Waste() > groups[j].Waste()
		}
		return groups[i].ID < groups[j].ID
	})

	if len(groups) == 0 {
		fmt.Fprintln(out, "No duplicates found")
	} else {
		rows := make([][]string, 0, len(groups))
		for _, g := range groups {
			paths := make([]string, 0, len(g.Members))
			for _, m := range g.Members {
				flags, _ := engine.Flags(m)
				paths = append(paths, fmt.Sprintf("%s [%s]", engine.Path(m), flags))
			}
			rows = append(rows, []string{
				strconv.Itoa(int(g.ID)),
				humanize.IBytes(uint64(g.Size)),
				strings.Join(paths, "\n"),
				humanize.IBytes(uint64(g.Waste())),
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Group", "Size", "Files", "Waste"},
			rows,
			[]columnAlignment{alignRight, alignRight, alignLeft, alignRight},
		))
	}

	var rows [][]string
	for _, s := range engine.Summary() {
		rows = append(rows, []string{
			s.Context.Name,
			s.Context.Root,
			humanize.Comma(int64(s.Context.Files)),
			humanize.IBytes(uint64(s.Bytes)),
			humanize.Comma(int64(s.Duplicates)),
			humanize.Comma(int64(s.GlobalDups)),
			humanize.IBytes(uint64(s.Waste)),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Context", "Root", "Files", "Size", "Duplicates", "Global", "Waste"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	stats := engine.LastStats()
	fmt.Fprintf(out, "Analyzed %s files in %s: %d groups, %d byte comparisons, %s hashed\n",
		humanize.Comma(int64(stats.Files)),
		stats.Duration.Round(time.Millisecond),
		stats.Groups,
		stats.Comparisons,
		humanize.IBytes(uint64(stats.BytesRead)))
}
