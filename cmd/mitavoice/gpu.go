package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mitavoice/internal/gpu"
)

func newGPUCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gpu",
		Short: "Show the detected GPU and which models it supports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			g := a.GPU
			_, _ = fmt.Fprintf(out, "vendor:  %s\nname:    %s\ndevices: %s\n", g.Vendor, g.Name, strings.Join(g.CUDADevices, ", "))
			if g.Vendor == gpu.NVIDIA {
				_, _ = fmt.Fprintf(out, "rtx30+:  %s\n", yesNo(g.IsRTX30Plus()))
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "\nMODEL\tSUPPORTED\tREASON")
			for _, d := range a.Catalog.Descriptors() {
				c, err := a.Catalog.Compatibility(d.ID)
				if err != nil {
					return err
				}
				reason := c.Reason
				if c.OverrideAllowed {
					reason += " (override allowed)"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, yesNo(c.Supported), reason)
			}
			return tw.Flush()
		},
	}
}
