package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mitavoice/internal/catalog"
	"mitavoice/internal/installer"
)

func TestAMDSampling(t *testing.T) {
	if sr, hop := AMDSampling(ShorthairCharacter); sr != 48000 || hop != 512 {
		t.Fatalf("shorthair: %d/%d", sr, hop)
	}
	if sr, hop := AMDSampling("CrazyMita"); sr != 40000 || hop != 512 {
		t.Fatalf("other: %d/%d", sr, hop)
	}
}

func TestRVCOnAMDUsesONNXAndSampleRate(t *testing.T) {
	h := newHarness(t, rx7800, catalog.ComponentRVC)
	rvc := NewRVCHandler(h.env)
	ctx := context.Background()
	if err := rvc.Initialize(ctx, ModeLow, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	loads := h.workers.find("load", "rvc")
	if len(loads) != 1 || loads[0].args["target_sr"] != 40000 || !strings.HasSuffix(loads[0].args["model_path"].(string), "Mila.onnx") {
		t.Fatalf("default load: %+v", loads)
	}
	out, err := rvc.Voiceover(ctx, Request{ModelID: ModeLow, Text: "Привет", Character: Character{Short: ShorthairCharacter}})
	if err != nil {
		t.Fatalf("Voiceover: %v", err)
	}
	mustStereo(t, out)
	loads = h.workers.find("load", "rvc")
	if len(loads) != 2 || loads[1].args["target_sr"] != 48000 || loads[1].args["hop_length"] != 512 {
		t.Fatalf("shorthair load: %+v", loads)
	}
}

func TestLowVoiceoverUsesEdgeVoiceForLanguage(t *testing.T) {
	h := newHarness(t, rtx4070, catalog.ComponentRVC)
	h.env.Runtime.SetLanguage("en")
	rvc := NewRVCHandler(h.env)
	ctx := context.Background()
	if err := rvc.Initialize(ctx, ModeLow, true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	out, err := rvc.Voiceover(ctx, Request{ModelID: ModeLow, Text: "Hello"})
	if err != nil {
		t.Fatalf("Voiceover: %v", err)
	}
	mustStereo(t, out)
	if len(h.edge.voices) != 2 || h.edge.voices[1] != "en-US-AriaNeural" {
		t.Fatalf("edge voices: %v", h.edge.voices)
	}
	if _, err := os.Stat(filepath.Join(h.env.Paths.Temp, filepath.Base(out))); err != nil {
		t.Fatalf("output not in temp dir: %v", err)
	}
}

func TestSwitchLowPlusToLowReleasesSilero(t *testing.T) {
	h := newHarness(t, rtx4070, catalog.ComponentRVC)
	rvc := NewRVCHandler(h.env)
	ctx := context.Background()
	if err := rvc.Initialize(ctx, ModeLowPlus, true); err != nil {
		t.Fatalf("Initialize low+: %v", err)
	}
	loads := h.workers.find("load", "silero")
	if len(loads) != 1 || loads[0].args["model_id"] != "v4_ru" {
		t.Fatalf("silero loads: %+v", loads)
	}
	synth := h.workers.find("synth", "silero")
	if len(synth) != 1 || !strings.Contains(synth[0].args["ssml"].(string), "<speak>") {
		t.Fatalf("silero synth: %+v", synth)
	}
	if err := rvc.Initialize(ctx, ModeLow, false); err != nil {
		t.Fatalf("Initialize low: %v", err)
	}
	if n := len(h.workers.find("unload", "silero")); n != 1 {
		t.Fatalf("silero unloads=%d", n)
	}
	if rvc.IsInitialized(ModeLowPlus) || !rvc.IsInitialized(ModeLow) {
		t.Fatalf("initialized low+=%v low=%v", rvc.IsInitialized(ModeLowPlus), rvc.IsInitialized(ModeLow))
	}
	if n := len(h.workers.find("load", "rvc")); n != 1 {
		t.Fatalf("rvc reloaded %d times", n)
	}
}

func TestLanguageChangeReloadsSilero(t *testing.T) {
	h := newHarness(t, rtx4070, catalog.ComponentRVC)
	rvc := NewRVCHandler(h.env)
	ctx := context.Background()
	if err := rvc.Initialize(ctx, ModeLowPlus, false); err != nil {
		t.Fatal(err)
	}
	h.env.Runtime.SetLanguage("en")
	rvc.CleanupState()
	rvc.CleanupState()
	if rvc.IsInitialized(ModeLowPlus) {
		t.Fatalf("still initialized after cleanup")
	}
	if _, err := rvc.Voiceover(ctx, Request{ModelID: ModeLowPlus, Text: "Hi"}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("want ErrNotInitialized, got %v", err)
	}
	if err := rvc.Initialize(ctx, ModeLowPlus, true); err != nil {
		t.Fatal(err)
	}
	loads := h.workers.find("load", "silero")
	if len(loads) != 2 || loads[1].args["model_id"] != "v3_en" || loads[1].args["language"] != "en" {
		t.Fatalf("silero loads: %+v", loads)
	}
	if n := len(h.workers.find("unload", "silero")); n != 1 {
		t.Fatalf("silero unloads=%d", n)
	}
}

func TestInitializeRequiresInstall(t *testing.T) {
	h := newHarness(t, rtx4070)
	rvc := NewRVCHandler(h.env)
	if err := rvc.Initialize(context.Background(), ModeLow, true); !IsNotInstalled(err) {
		t.Fatalf("want not installed, got %v", err)
	}
	if h.workers.spawns != 0 {
		t.Fatalf("worker spawned for uninstalled model")
	}
	if err := rvc.Initialize(context.Background(), ModeHigh, true); !IsUnknownMode(err) {
		t.Fatalf("want unknown mode, got %v", err)
	}
}

func TestFishCompileConflict(t *testing.T) {
	h := newHarness(t, rtx4070, catalog.ComponentFish, catalog.ComponentTriton)
	fish := NewFishBackend(h.env, NewRVCHandler(h.env))
	ctx := context.Background()
	if err := fish.Initialize(ctx, ModeMedium, true); err != nil {
		t.Fatalf("Initialize medium: %v", err)
	}
	err := fish.Initialize(ctx, ModeMediumPlus, true)
	if !IsCompileConflict(err) {
		t.Fatalf("want compile conflict, got %v", err)
	}
	if n := len(h.workers.find("load", "fish")); n != 1 {
		t.Fatalf("fish loads=%d", n)
	}
	if h.dialogs.conflicts != 1 {
		t.Fatalf("conflict dialog shown %d times", h.dialogs.conflicts)
	}
	if !fish.IsInitialized(ModeMedium) {
		t.Fatalf("medium lost its initialization")
	}
	if v, set := h.env.Runtime.Compiled(); !set || v {
		t.Fatalf("compiled=%v set=%v", v, set)
	}
}

func TestFishCompoundSharesRVC(t *testing.T) {
	h := newHarness(t, rtx4070, catalog.ComponentFish, catalog.ComponentTriton, catalog.ComponentRVC)
	rvc := NewRVCHandler(h.env)
	fish := NewFishBackend(h.env, rvc)
	ctx := context.Background()
	if err := fish.Initialize(ctx, ModeMediumPlusLow, true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	loads := h.workers.find("load", "fish")
	if len(loads) != 1 || loads[0].args["compile"] != true {
		t.Fatalf("fish loads: %+v", loads)
	}
	pitch := 7
	out, err := fish.Voiceover(ctx, Request{ModelID: ModeMediumPlusLow, Text: "Привет", Character: Character{Pitch: &pitch}})
	if err != nil {
		t.Fatalf("Voiceover: %v", err)
	}
	mustStereo(t, out)
	conv := h.workers.find("convert", "rvc")
	if len(conv) != 2 || conv[1].args["pitch"] != 7 {
		t.Fatalf("convert calls: %+v", conv)
	}
	if n := len(h.workers.find("load", "rvc")); n != 1 {
		t.Fatalf("rvc loaded %d times", n)
	}
	// the rvc engine survives a TTS cleanup
	fish.CleanupState()
	if err := rvc.Initialize(ctx, ModeLow, false); err != nil {
		t.Fatal(err)
	}
	if n := len(h.workers.find("load", "rvc")); n != 1 {
		t.Fatalf("rvc reloaded after fish cleanup: %d", n)
	}
}

func TestWarmupFailureLeavesBackendCold(t *testing.T) {
	h := newHarness(t, rtx4070, catalog.ComponentFish)
	fish := NewFishBackend(h.env, NewRVCHandler(h.env))
	h.workers.failSynth = true
	if err := fish.Initialize(context.Background(), ModeMedium, true); err == nil {
		t.Fatalf("expected warm-up failure")
	}
	if fish.IsInitialized(ModeMedium) {
		t.Fatalf("initialized after failed warm-up")
	}
	if n := len(h.workers.find("unload", "fish")); n != 1 {
		t.Fatalf("fish unloads=%d", n)
	}
	if _, err := fish.Voiceover(context.Background(), Request{ModelID: ModeMedium, Text: "x"}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("want ErrNotInitialized, got %v", err)
	}
}

func TestRVCInstallProgress(t *testing.T) {
	h := newHarness(t, rtx4070)
	h.env.TorchIndexURL = "https://download.pytorch.org/whl/cu124"
	rvc := NewRVCHandler(h.env)
	var progress []int
	rvc.SetCallbacks(installer.Callbacks{Progress: func(p int) { progress = append(progress, p) }})
	ctx := context.Background()
	if !rvc.Install(ctx, ModeLow) {
		t.Fatalf("install failed")
	}
	if !rvc.IsInstalled(ctx, ModeLow) || !rvc.IsInstalled(ctx, ModeLowPlus) {
		t.Fatalf("not installed after install")
	}
	if len(h.py.pipCalls) != 2 || !strings.Contains(strings.Join(h.py.pipCalls[0], " "), "--index-url https://download.pytorch.org/whl/cu124") {
		t.Fatalf("pip calls: %v", h.py.pipCalls)
	}
	hundreds := 0
	for i, p := range progress {
		if i > 0 && p < progress[i-1] {
			t.Fatalf("progress not monotonic: %v", progress)
		}
		if p == 100 {
			hundreds++
		}
	}
	if hundreds != 1 || progress[len(progress)-1] != 100 {
		t.Fatalf("progress: %v", progress)
	}
	if !rvc.Uninstall(ctx, ModeLow) || rvc.IsInstalled(ctx, ModeLow) {
		t.Fatalf("uninstall did not remove rvc")
	}
}

func TestF5InstallDownloadsWeights(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("weights for " + r.URL.Path))
	}))
	defer srv.Close()
	h := newHarness(t, rtx4070, catalog.ComponentRVC)
	h.py.importable["torch"] = true
	h.env.F5 = F5Files{ModelURL: srv.URL + "/model.safetensors", VocabURL: srv.URL + "/vocab.txt"}
	f5 := NewF5Backend(h.env, NewRVCHandler(h.env))
	ctx := context.Background()
	if f5.IsInstalled(ctx, ModeHighLow) {
		t.Fatalf("installed before install")
	}
	if !f5.Install(ctx, ModeHighLow) {
		t.Fatalf("install failed")
	}
	model, vocab := f5.CheckpointPaths()
	if !strings.HasSuffix(model, filepath.Join("checkpoints", "F5-TTS", "model.safetensors")) {
		t.Fatalf("model path %s", model)
	}
	if b, _ := os.ReadFile(vocab); string(b) != "weights for /vocab.txt" {
		t.Fatalf("vocab=%q", b)
	}
	if !f5.IsInstalled(ctx, ModeHighLow) {
		t.Fatalf("not installed after install")
	}
	if err := f5.Initialize(ctx, ModeHighLow, true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	synth := h.workers.find("synth", "f5")
	if len(synth) != 1 || synth[0].args["nfe_step"] != 32 {
		t.Fatalf("f5 synth: %+v", synth)
	}
}

func TestPatchFishConfig(t *testing.T) {
	dir := t.TempDir()
	src := "x: int = field(default=1, metadata={help: \"count\"})\ny = field(metadata={\"help\": \"ok\"})\n"
	if err := os.WriteFile(filepath.Join(dir, "config.py"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := PatchFishConfig(dir)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	b, _ := os.ReadFile(filepath.Join(dir, "config.py"))
	if strings.Contains(string(b), "{help:") || !strings.Contains(string(b), `metadata={"help": "count"}`) {
		t.Fatalf("not patched: %s", b)
	}
	if n, _ := PatchFishConfig(dir); n != 0 {
		t.Fatalf("second pass changed %d files", n)
	}
	if n, err := PatchFishConfig(filepath.Join(dir, "missing")); n != 0 || err != nil {
		t.Fatalf("missing dir: n=%d err=%v", n, err)
	}
}

func TestReadRVCParamsPitchOverride(t *testing.T) {
	p := catalog.Params{"fsprvc_pitch": "3", "fsprvc_index_rate": 0.5, "pitch": 9}
	if r := ReadRVCParams(p, "fsprvc_", Character{}); r.Pitch != 3 || r.IndexRate != 0.5 || r.F0Method != "rmvpe" {
		t.Fatalf("params: %+v", r)
	}
	v := -2
	if r := ReadRVCParams(p, "fsprvc_", Character{Pitch: &v}); r.Pitch != -2 {
		t.Fatalf("override ignored: %+v", r)
	}
}

func TestRuntimeCompileMonotonic(t *testing.T) {
	rt := NewRuntime("")
	if rt.Language() != "ru" {
		t.Fatalf("default language %s", rt.Language())
	}
	if err := rt.CheckCompile(true); err != nil {
		t.Fatal(err)
	}
	if err := rt.CommitCompile(true); err != nil {
		t.Fatal(err)
	}
	if err := rt.CommitCompile(false); !IsCompileConflict(err) {
		t.Fatalf("want conflict, got %v", err)
	}
	if v, set := rt.Compiled(); !set || !v {
		t.Fatalf("compiled changed: %v %v", v, set)
	}
}

func TestRVCReloadsWhenLoadSettingsChange(t *testing.T) {
	h := newHarness(t, rtx4070, catalog.ComponentRVC)
	rvc := NewRVCHandler(h.env)
	ctx := context.Background()
	if err := rvc.Initialize(ctx, ModeLow, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.env.Catalog.(*catalog.Controller).SetParam(ModeLow, "device", "cpu"); err != nil {
		t.Fatal(err)
	}
	if err := h.env.Catalog.(*catalog.Controller).SetParam(ModeLow, "is_half", false); err != nil {
		t.Fatal(err)
	}
	if err := rvc.Prepare(ctx, h.env.params(ModeLow, nil), "", Character{}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	loads := h.workers.find("load", "rvc")
	if len(loads) != 2 || loads[1].args["device"] != "cpu" || loads[1].args["is_half"] != false {
		t.Fatalf("rvc loads: %+v", loads)
	}
	// unchanged settings and voice keep the engine
	if err := rvc.Prepare(ctx, h.env.params(ModeLow, nil), "", Character{}); err != nil {
		t.Fatal(err)
	}
	if n := len(h.workers.find("load", "rvc")); n != 2 {
		t.Fatalf("rvc loaded %d times", n)
	}
}

func TestFishReloadsWhenDeviceChanges(t *testing.T) {
	h := newHarness(t, rtx4070, catalog.ComponentFish, catalog.ComponentTriton)
	fish := NewFishBackend(h.env, NewRVCHandler(h.env))
	ctx := context.Background()
	if err := fish.Initialize(ctx, ModeMedium, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.env.Catalog.(*catalog.Controller).SetParam(ModeMedium, "fsp_device", "cpu"); err != nil {
		t.Fatal(err)
	}
	if err := fish.Initialize(ctx, ModeMedium, false); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	loads := h.workers.find("load", "fish")
	if len(loads) != 2 || loads[1].args["device"] != "cpu" {
		t.Fatalf("fish loads: %+v", loads)
	}
	if n := len(h.workers.find("unload", "fish")); n != 1 {
		t.Fatalf("fish unloaded %d times", n)
	}
}

func TestInitializeWarmsUpDefaultCharacter(t *testing.T) {
	h := newHarness(t, rtx4070, catalog.ComponentRVC)
	pitch := -3
	h.env.Runtime.SetCharacter(Character{Short: ShorthairCharacter, Pitch: &pitch})
	rvc := NewRVCHandler(h.env)
	if err := rvc.Initialize(context.Background(), ModeLow, true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	loads := h.workers.find("load", "rvc")
	if len(loads) != 1 || !strings.HasSuffix(loads[0].args["model_path"].(string), ShorthairCharacter+".pth") {
		t.Fatalf("rvc loads: %+v", loads)
	}
	conv := h.workers.find("convert", "rvc")
	if len(conv) != 1 || conv[0].args["pitch"] != -3 {
		t.Fatalf("warm-up convert: %+v", conv)
	}
}
