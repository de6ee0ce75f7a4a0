package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pocketd/internal/engine"
)

var errNoCache = errors.New("the configured runtime has no model cache")

type modelDeleter interface {
	DeleteModel(ctx context.Context, id string) error
}

func newCacheCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or prune downloaded model shards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("cache requires a subcommand: ls|rm|clear")
		},
	}
	// withCache runs fn against a caching engine without loading anything.
	withCache := func(fn func(cmd *cobra.Command, ce engine.CachingEngine, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := newApp(o.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.Close()
			eng, err := a.engine(o, false)
			if err != nil {
				return err
			}
			defer eng.Dispose()
			ce, ok := eng.(engine.CachingEngine)
			if !ok {
				return errNoCache
			}
			return fn(cmd, ce, args)
		}
	}

	ls := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List cached models",
		Args:    cobra.NoArgs,
		RunE: withCache(func(cmd *cobra.Command, ce engine.CachingEngine, _ []string) error {
			ids, err := ce.CachedModels(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		}),
	}
	rm := &cobra.Command{
		Use:   "rm MODEL...",
		Short: "Delete cached shards of the given models",
		Args:  cobra.MinimumNArgs(1),
		RunE: withCache(func(cmd *cobra.Command, ce engine.CachingEngine, args []string) error {
			d, ok := ce.(modelDeleter)
			if !ok {
				return errNoCache
			}
			for _, id := range args {
				if err := d.DeleteModel(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "removed", id)
			}
			return nil
		}),
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached model",
		Args:  cobra.NoArgs,
		RunE: withCache(func(cmd *cobra.Command, ce engine.CachingEngine, _ []string) error {
			return ce.ClearModelCache(cmd.Context())
		}),
	}
	cmd.AddCommand(ls, rm, clearCmd)
	return cmd
}
