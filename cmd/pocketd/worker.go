package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"pocketd/internal/worker"
)

type stdio struct {
	io.Reader
	io.Writer
}

// newWorkerCmd serves the worker protocol on stdin and stdout. Logs go to
// stderr, which the parent forwards.
func newWorkerCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Host a runtime for a parent pocketd process",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(o.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return worker.Serve(cmd.Context(), stdio{Reader: os.Stdin, Writer: os.Stdout}, a.rt, a.logger)
		},
	}
}
