// Package gpu detects the graphics vendor and the CUDA devices available to
// child interpreters.
package gpu

import (
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mitavoice/internal/config"
)

// Vendor is a coarse GPU vendor classification.
type Vendor string

const (
	NVIDIA Vendor = "NVIDIA"
	AMD    Vendor = "AMD"
	Other  Vendor = "OTHER"
)

// Info is the detected hardware picture.
type Info struct {
	Vendor      Vendor   `json:"vendor"`
	Name        string   `json:"name"`
	CUDADevices []string `json:"cuda_devices"`
	// RTXForceUnsupported mirrors the env switch so checks stay pure.
	RTXForceUnsupported bool `json:"-"`
}

var rtx30Re = regexp.MustCompile(`(?i)RTX\s*(30|40)\d0`)

// IsRTX30Plus reports an RTX 30xx or 40xx card.
func (i Info) IsRTX30Plus() bool {
	if i.Vendor != NVIDIA || i.RTXForceUnsupported {
		return false
	}
	return rtx30Re.MatchString(i.Name)
}

// fp16Allowed are "16" series cards whose half precision works.
var fp16Allowed = []string{"V100", "P40", "P10", "1060", "1070", "1080"}

// BrokenFP16 reports cards with unreliable half precision: names containing
// "16" (GTX 16xx, T4-16 and similar) that are not on the allow list.
func BrokenFP16(name string) bool {
	if !strings.Contains(name, "16") {
		return false
	}
	upper := strings.ToUpper(name)
	for _, ok := range fp16Allowed {
		if strings.Contains(upper, ok) {
			return false
		}
	}
	return true
}

// CommandFunc runs a command and returns its stdout.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Detector probes the host once per Detect call.
type Detector struct {
	Run    CommandFunc
	Flags  config.Flags
	Logger zerolog.Logger
}

// Detect queries nvidia-smi first and falls back to the OS video controller
// list. Failures degrade to Other with no devices.
func (d Detector) Detect(ctx context.Context) Info {
	run := d.Run
	if run == nil {
		run = execCommand
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	info := Info{Vendor: Other, RTXForceUnsupported: d.Flags.RTXForceUnsupported}
	if out, err := run(ctx, "nvidia-smi", "--query-gpu=index,name", "--format=csv,noheader"); err == nil {
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			idx, name, ok := strings.Cut(line, ",")
			if !ok {
				continue
			}
			idx, name = strings.TrimSpace(idx), strings.TrimSpace(name)
			info.CUDADevices = append(info.CUDADevices, "cuda:"+idx)
			if info.Name == "" {
				info.Name = name
			}
		}
		if len(info.CUDADevices) > 0 {
			info.Vendor = NVIDIA
		}
	}
	if info.Vendor != NVIDIA {
		if name := d.videoController(ctx, run); name != "" {
			info.Name = name
			u := strings.ToUpper(name)
			switch {
			case strings.Contains(u, "NVIDIA"):
				info.Vendor = NVIDIA
			case strings.Contains(u, "AMD") || strings.Contains(u, "RADEON"):
				info.Vendor = AMD
			}
		}
	}
	if d.Flags.TestAsAMD {
		info.Vendor = AMD
		info.CUDADevices = nil
	}
	d.Logger.Info().Str("vendor", string(info.Vendor)).Str("name", info.Name).Strs("cuda", info.CUDADevices).Msg("gpu detected")
	return info
}

func (d Detector) videoController(ctx context.Context, run CommandFunc) string {
	var out []byte
	var err error
	if runtime.GOOS == "windows" {
		out, err = run(ctx, "powershell", "-NoProfile", "-Command",
			"Get-CimInstance Win32_VideoController | Select-Object -ExpandProperty Name")
	} else {
		out, err = run(ctx, "lspci")
	}
	if err != nil {
		return ""
	}
	var fallback string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if runtime.GOOS != "windows" {
			if !strings.Contains(line, "VGA") && !strings.Contains(line, "3D controller") {
				continue
			}
			if _, after, ok := strings.Cut(line, ": "); ok {
				line = after
			}
		}
		u := strings.ToUpper(line)
		if strings.Contains(u, "NVIDIA") || strings.Contains(u, "AMD") || strings.Contains(u, "RADEON") {
			return line
		}
		if fallback == "" {
			fallback = line
		}
	}
	return fallback
}
