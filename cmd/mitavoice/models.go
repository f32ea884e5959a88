package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mitavoice/internal/installer"
	"mitavoice/pkg/types"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List voice models with install and GPU support state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			printModels(cmd.OutOrStdout(), a.Manager.ListModels(cmd.Context()))
			return nil
		},
	}
}

func printModels(out io.Writer, models []types.VoiceModel) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tSIZE\tVRAM\tINSTALLED\tSUPPORTED")
	for _, m := range models {
		supported := yesNo(m.Supported)
		if !m.Supported && m.CompatReason != "" {
			supported = "no (" + m.CompatReason + ")"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f-%.0f GB\t%s\t%s\n",
			m.ID, m.Name, humanize.Bytes(uint64(m.SizeGB*1e9)), m.MinVRAMGB, m.RecVRAMGB, yesNo(m.Installed), supported)
	}
	_ = tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// progressCallbacks prints install progress as plain lines.
func progressCallbacks(out io.Writer) installer.Callbacks {
	last := -1
	return installer.Callbacks{
		Title:  func(s string) { _, _ = fmt.Fprintf(out, "== %s\n", s) },
		Status: func(s string) { _, _ = fmt.Fprintf(out, "-- %s\n", s) },
		Log: func(s string) {
			if strings.HasPrefix(s, "ERROR:") {
				_, _ = fmt.Fprintln(out, s)
			}
		},
		Progress: func(p int) {
			// Only tens to keep the terminal readable.
			if last < 0 || p/10 != last/10 {
				last = p
				_, _ = fmt.Fprintf(out, "   %d%%\n", p)
			}
		},
	}
}

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <model>",
		Short: "Install the components of a voice model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, nil)
			if err != nil {
				return err
			}
			if !a.Manager.DownloadModel(ctx, args[0], progressCallbacks(cmd.OutOrStdout())) {
				return fmt.Errorf("install of %s failed", args[0])
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s installed\n", args[0])
			return nil
		},
	}
}

func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <model|component>",
		Short: "Remove a model's signature component, or a component by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, nil)
			if err != nil {
				return err
			}
			return uninstall(ctx, cmd.OutOrStdout(), a.Manager, args[0])
		},
	}
}

type uninstaller interface {
	ModelIDs() []string
	UninstallModel(ctx context.Context, id string, cb installer.Callbacks) bool
	UninstallComponent(ctx context.Context, key string, cb installer.Callbacks) bool
	Orphans() ([]string, error)
}

func uninstall(ctx context.Context, out io.Writer, m uninstaller, target string) error {
	cb := progressCallbacks(out)
	isModel := false
	for _, id := range m.ModelIDs() {
		if id == target {
			isModel = true
			break
		}
	}
	var ok bool
	if isModel {
		ok = m.UninstallModel(ctx, target, cb)
	} else {
		ok = m.UninstallComponent(ctx, target, cb)
	}
	if !ok {
		return fmt.Errorf("uninstall of %s failed", target)
	}
	_, _ = fmt.Fprintf(out, "%s removed\n", target)
	if orphans, err := m.Orphans(); err == nil && len(orphans) > 0 {
		_, _ = fmt.Fprintf(out, "orphaned packages: %s (run `mitavoice orphans --sweep`)\n", strings.Join(orphans, ", "))
	}
	return nil
}
