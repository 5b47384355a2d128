// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cloneindex/services/clones/chunk"
	"github.com/AleutianAI/cloneindex/services/clones/chunker"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "clonectl",
		Short: "Build and query a clone index",
		Long: `clonectl chunks source files into content-hashed spans, stores them in
a clone index and finds spans with identical normalized content.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $CLONEINDEX_CONFIG)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.logJSON, "log-json", false, "log as JSON")

	optionCmd := &cobra.Command{
		Use:   "option",
		Short: "Get or set index options",
	}
	optionCmd.AddCommand(
		&cobra.Command{
			Use:   "get <name>",
			Short: "Print an option value",
			Args:  cobra.ExactArgs(1),
			RunE:  a.runOptionGet,
		},
		&cobra.Command{
			Use:   "set <name> <value>",
			Short: "Store an option value",
			Args:  cobra.ExactArgs(2),
			RunE:  a.runOptionSet,
		},
	)

	root.AddCommand(
		&cobra.Command{
			Use:   "index <path>...",
			Short: "Chunk files (directories are walked) and store their chunks",
			Args:  cobra.MinimumNArgs(1),
			RunE:  a.runIndex,
		},
		&cobra.Command{
			Use:   "show <origin>",
			Short: "List the stored chunks of an origin",
			Args:  cobra.ExactArgs(1),
			RunE:  a.runShow,
		},
		&cobra.Command{
			Use:   "lookup <file>",
			Short: "Find indexed chunks elsewhere with the same content as a file",
			Args:  cobra.ExactArgs(1),
			RunE:  a.runLookup,
		},
		&cobra.Command{
			Use:   "remove <origin>...",
			Short: "Remove origins from the index",
			Args:  cobra.MinimumNArgs(1),
			RunE:  a.runRemove,
		},
		&cobra.Command{
			Use:   "repeats <file>",
			Short: "Print repeated line sequences of a file",
			Args:  cobra.ExactArgs(1),
			RunE:  a.runRepeats,
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print index statistics",
			Args:  cobra.NoArgs,
			RunE:  a.runStats,
		},
		newWatchCmd(a),
		optionCmd,
	)
	return root
}

func (a *app) runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	idx, err := a.index(ctx)
	if err != nil {
		return err
	}
	files, err := sourceFiles(args)
	if err != nil {
		return err
	}

	total := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := a.indexFile(ctx, idx, path)
		if err != nil {
			return fmt.Errorf("index %s: %w", path, err)
		}
		total += n
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d files, %d chunks\n", len(files), total)
	return nil
}

func (a *app) runShow(cmd *cobra.Command, args []string) error {
	idx, err := a.index(cmd.Context())
	if err != nil {
		return err
	}
	chunks, found, err := idx.ChunksByOrigin(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("origin %q is not indexed", args[0])
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tLINES\tOFFSETS\tUNITS\tHASH")
	for _, c := range chunks {
		fmt.Fprintf(w, "%d\t%d-%d\t%d-%d\t%d\t%s\n",
			c.FirstUnitIndex, c.FirstRawLine, c.LastRawLine,
			c.RawStartOffset, c.RawEndOffset, c.ElementUnits, c.Hash)
	}
	return w.Flush()
}

func (a *app) runLookup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	idx, err := a.index(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	origin := originID(args[0])
	local, err := a.builder.Build(origin, f)
	if err != nil {
		return err
	}

	matches, err := idx.ChunksByHashes(ctx, chunk.Hashes(local))
	if err != nil {
		return err
	}
	byHash := make(map[chunk.Hash][]chunk.Chunk)
	for _, m := range matches {
		if m.OriginID != origin {
			byHash[m.Hash] = append(byHash[m.Hash], m)
		}
	}

	out := cmd.OutOrStdout()
	found := 0
	for _, c := range local {
		others := byHash[c.Hash]
		if len(others) == 0 {
			continue
		}
		chunk.SortByUnitIndex(others)
		for _, o := range others {
			fmt.Fprintf(out, "%s:%d-%d\t%s:%d-%d\n",
				origin, c.FirstRawLine, c.LastRawLine,
				o.OriginID, o.FirstRawLine, o.LastRawLine)
			found++
		}
	}
	if found == 0 {
		fmt.Fprintln(out, "no clones found")
	}
	return nil
}

func (a *app) runRemove(cmd *cobra.Command, args []string) error {
	idx, err := a.index(cmd.Context())
	if err != nil {
		return err
	}
	for _, origin := range args {
		if err := idx.RemoveChunks(cmd.Context(), origin); err != nil {
			return fmt.Errorf("remove %s: %w", origin, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d origins\n", len(args))
	return nil
}

func (a *app) runRepeats(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	units, err := a.builder.Units(f)
	if err != nil {
		return err
	}
	r := a.cfg.Repetition
	filter := chunker.RepetitionFilter{
		MinTotalLength: r.MinTotalLength,
		MinRepeatCount: r.MinRepeatCount,
		MinPeriod:      r.MinPeriod,
		MaxPeriod:      r.MaxPeriod,
	}

	out := cmd.OutOrStdout()
	reps := filter.Find(units)
	for _, rep := range reps {
		first, last := units[rep.Start], units[rep.End()-1]
		fmt.Fprintf(out, "lines %d-%d: %d x %d lines, starting %q\n",
			first.Line, last.Line, rep.Count, rep.Period, first.Content)
	}
	if len(reps) == 0 {
		fmt.Fprintln(out, "no repetitions found")
	}
	return nil
}

func (a *app) runStats(cmd *cobra.Command, args []string) error {
	idx, err := a.index(cmd.Context())
	if err != nil {
		return err
	}
	stats, err := idx.Stats(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "backend\t%s\n", a.cfg.Backend.Type)
	fmt.Fprintf(w, "origins\t%d\n", stats.Origins)
	fmt.Fprintf(w, "chunks\t%d\n", stats.Chunks)
	fmt.Fprintf(w, "options\t%d\n", stats.Options)
	return w.Flush()
}

func (a *app) runOptionGet(cmd *cobra.Command, args []string) error {
	idx, err := a.index(cmd.Context())
	if err != nil {
		return err
	}
	var value any
	found, err := idx.GetOption(cmd.Context(), args[0], &value)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("option %q is not set", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func (a *app) runOptionSet(cmd *cobra.Command, args []string) error {
	idx, err := a.index(cmd.Context())
	if err != nil {
		return err
	}
	return idx.SetOption(cmd.Context(), args[0], args[1])
}
