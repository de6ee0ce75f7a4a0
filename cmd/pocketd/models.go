package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pocketd/internal/registry"
	"pocketd/pkg/types"
)

func newModelsCmd(o *options) *cobra.Command {
	var groups, asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models from the catalog and models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.Load(o.cfg.ModelsFile, o.cfg.ModelsDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case asJSON && groups:
				return writeIndented(out, types.ModelGroupsResponse{Groups: reg.Groups()})
			case asJSON:
				return writeIndented(out, types.ModelsResponse{Models: reg.List()})
			case groups:
				return printGroups(out, reg.Groups())
			default:
				return printModels(out, reg.List())
			}
		},
	}
	cmd.Flags().BoolVar(&groups, "groups", false, "Group quantizations of the same base model")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printModels(w io.Writer, models []types.Model) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUANT\tCTX\tSOURCE")
	for _, m := range models {
		src := m.Path
		if src == "" {
			src = m.Repo
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.ID, dash(m.Quant), m.ContextLength, dash(src))
	}
	return tw.Flush()
}

func printGroups(w io.Writer, groups []types.ModelGroup) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tNAME\tVARIANTS")
	for _, g := range groups {
		vs := make([]string, 0, len(g.Variants))
		for _, v := range g.Variants {
			vs = append(vs, dash(v.Quant))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", dash(g.Family), g.Name, strings.Join(vs, ","))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
