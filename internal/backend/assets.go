package backend

import (
	"os"
	"path/filepath"
	"strings"

	"mitavoice/internal/common/fsutil"
	"mitavoice/internal/gpu"
)

// ShorthairCharacter needs the 48 kHz RVC configuration on ONNX.
const ShorthairCharacter = "ShorthairMita"

// Assets are the voice files of one character.
type Assets struct {
	Character string
	Weights   string
	Index     string
	RefAudio  string
	RefText   string
}

// ResolveAssets returns the asset paths of short in modelsDir. ONNX weights
// are used on AMD, native .pth elsewhere.
func ResolveAssets(modelsDir, short string, vendor gpu.Vendor) Assets {
	ext := ".pth"
	if vendor == gpu.AMD {
		ext = ".onnx"
	}
	p := func(e string) string { return filepath.Join(modelsDir, short+e) }
	return Assets{
		Character: short,
		Weights:   p(ext),
		Index:     p(".index"),
		RefAudio:  p(".wav"),
		RefText:   p(".txt"),
	}
}

// HasWeights reports whether the RVC weights exist.
func (a Assets) HasWeights() bool { return fsutil.PathExists(a.Weights) }

// IndexPath returns Index if the file exists, else "".
func (a Assets) IndexPath() string {
	if fsutil.PathExists(a.Index) {
		return a.Index
	}
	return ""
}

// ReferenceText returns the trimmed reference transcript, or "".
func (a Assets) ReferenceText() string {
	b, err := os.ReadFile(a.RefText)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// AMDSampling is the target sample rate and hop length forced on ONNX RVC.
func AMDSampling(character string) (sampleRate, hop int) {
	if character == ShorthairCharacter {
		return 48000, 512
	}
	return 40000, 512
}

// assets resolves ch, falling back to the default character when its
// weights are missing.
func (e *Env) assets(ch Character) Assets {
	a := ResolveAssets(e.Paths.Models, ch.Name(), e.GPU.Vendor)
	if a.HasWeights() || ch.Name() == DefaultCharacter {
		return a
	}
	e.Logger.Warn().Str("character", ch.Name()).Str("weights", a.Weights).Msg("voice assets missing; using default character")
	return ResolveAssets(e.Paths.Models, DefaultCharacter, e.GPU.Vendor)
}
