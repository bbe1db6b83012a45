package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Fybrk/dupfinder/internal/catalog"
	"github.com/Fybrk/dupfinder/pkg/dupfinder"
	"github.com/Fybrk/dupfinder/pkg/types"
)

func newConfirmCommand(ctx *commandContext) *cobra.Command {
	var roots []string

	cmd := &cobra.Command{
		Use:   "confirm FILE...",
		Short: "Fully hash files and report whether each one has duplicates",
		Long: "Opens the given roots (or each file's directory), escalates the files to full\n" +
			"digests through the background queue and reports their duplicates.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := ctx.openEngine(false, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if len(roots) == 0 {
				dirs := make([]string, 0, len(args))
				for _, file := range args {
					dirs = append(dirs, filepath.Dir(file))
				}
				if roots, err = outermostRoots(dirs); err != nil {
					return err
				}
			}
			for _, root := range roots {
				if _, err := engine.OpenContext(root, ""); err != nil {
					return err
				}
			}

			ids := make([]types.FileID, 0, len(args))
			for _, file := range args {
				id, err := engine.FindFile(file)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			if _, err := engine.SubmitEscalation(ids, types.LevelFull); err != nil {
				return err
			}
			if err := engine.Wait(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, id := range ids {
				printConfirmation(out, engine, id)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&roots, "root", "r", nil, "Roots to open before confirming (default: each file's directory)")
	return cmd
}

// outermostRoots makes dirs absolute and drops any dir nested inside another.
func outermostRoots(dirs []string) ([]string, error) {
	abs := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		a, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		abs = append(abs, a)
	}
	sort.Slice(abs, func(i, j int) bool { return len(abs[i]) < len(abs[j]) })

	var out []string
	for _, dir := range abs {
		nested := false
		for _, kept := range out {
			if catalog.Within(kept, dir) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, dir)
		}
	}
	return out, nil
}

func printConfirmation(out io.Writer, engine *dupfinder.Engine, id types.FileID) {
	path := engine.Path(id)
	if engine.IsUnique(id) {
		fmt.Fprintf(out, "%s: unique (%s)\n", path, engine.Level(id))
		return
	}

	fmt.Fprintf(out, "%s: duplicated (%s)\n", path, engine.Level(id))
	for _, peer := range engine.LocalDuplicatesOf(id) {
		fmt.Fprintf(out, "  local   %s\n", engine.Path(peer))
	}
	for _, peer := range engine.GlobalDuplicatesOf(id) {
		fmt.Fprintf(out, "  global  %s\n", engine.Path(peer))
	}
}
