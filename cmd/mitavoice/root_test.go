package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"mitavoice/internal/config"
	"mitavoice/internal/installer"
	"mitavoice/pkg/types"
)

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"serve", "models", "install", "uninstall", "orphans", "say", "gpu"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected subcommand %q not found in root", name)
		}
	}
	for _, f := range []string{"config", "yes", "root", "python", "language", "player"} {
		if root.PersistentFlags().Lookup(f) == nil {
			t.Fatalf("expected persistent flag --%s", f)
		}
	}
}

func TestRequireConfig(t *testing.T) {
	orig := activeCfg
	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.Config{}
	if _, err := requireConfig(); err == nil {
		t.Fatalf("expected error when config is not loaded")
	}
	activeCfg = config.Config{Paths: config.PathsConfig{Root: "/opt/mita"}}
	got, err := requireConfig()
	if err != nil || got.Paths.Root != "/opt/mita" {
		t.Fatalf("requireConfig=%+v err=%v", got, err)
	}
}

func TestSetupLogger_FallsBackToInfo(t *testing.T) {
	l := setupLogger(config.LogConfig{Level: "not-a-level"})
	if l.GetLevel().String() != "info" {
		t.Fatalf("level=%s", l.GetLevel())
	}
	l = setupLogger(config.LogConfig{Level: "DEBUG", Pretty: true})
	if l.GetLevel().String() != "debug" {
		t.Fatalf("level=%s", l.GetLevel())
	}
}

func TestPrintModels(t *testing.T) {
	var buf bytes.Buffer
	printModels(&buf, []types.VoiceModel{
		{ID: "low", Name: "EdgeTTS + RVC", SizeGB: 3, MinVRAMGB: 3, RecVRAMGB: 4, Installed: true, Supported: true},
		{ID: "medium", Name: "Fish Speech", SizeGB: 5, Supported: false, CompatReason: "NVIDIA only"},
	})
	out := buf.String()
	if !strings.Contains(out, "3.0 GB") || !strings.Contains(out, "no (NVIDIA only)") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestProgressCallbacksPrintsTensAndErrors(t *testing.T) {
	var buf bytes.Buffer
	cb := progressCallbacks(&buf)
	for _, p := range []int{0, 3, 10, 15, 50, 100} {
		cb.Progress(p)
	}
	cb.Log("collecting numpy")
	cb.Log("ERROR: pip exited with status 1")
	out := buf.String()
	for _, want := range []string{"0%", "10%", "50%", "100%", "ERROR: pip"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "15%") || strings.Contains(out, "collecting") {
		t.Fatalf("unexpected lines in:\n%s", out)
	}
}

type fakeUninstaller struct {
	ids       []string
	model     string
	component string
	ok        bool
	orphans   []string
}

func (f *fakeUninstaller) ModelIDs() []string { return f.ids }
func (f *fakeUninstaller) UninstallModel(ctx context.Context, id string, cb installer.Callbacks) bool {
	f.model = id
	return f.ok
}
func (f *fakeUninstaller) UninstallComponent(ctx context.Context, key string, cb installer.Callbacks) bool {
	f.component = key
	return f.ok
}
func (f *fakeUninstaller) Orphans() ([]string, error) {
	if f.orphans == nil {
		return nil, errors.New("scan failed")
	}
	return f.orphans, nil
}

func TestUninstallRoutesModelOrComponent(t *testing.T) {
	f := &fakeUninstaller{ids: []string{"low", "medium+"}, ok: true, orphans: []string{"omegaconf"}}
	var buf bytes.Buffer
	if err := uninstall(context.Background(), &buf, f, "medium+"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if f.model != "medium+" || f.component != "" {
		t.Fatalf("model=%q component=%q", f.model, f.component)
	}
	if !strings.Contains(buf.String(), "omegaconf") {
		t.Fatalf("orphans not reported:\n%s", buf.String())
	}

	f = &fakeUninstaller{ids: []string{"low"}, ok: true}
	if err := uninstall(context.Background(), &buf, f, "triton"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if f.component != "triton" {
		t.Fatalf("component=%q", f.component)
	}

	f.ok = false
	if err := uninstall(context.Background(), &buf, f, "triton"); err == nil {
		t.Fatalf("expected failure")
	}
}
