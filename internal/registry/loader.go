package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mitavoice/internal/common/fsutil"
	"mitavoice/pkg/types"
)

// Asset kinds reported per character.
const (
	AssetWeights        = "weights"
	AssetIndex          = "index"
	AssetReferenceAudio = "reference_audio"
	AssetReferenceText  = "reference_text"
)

var assetKinds = map[string]string{
	".pth":   AssetWeights,
	".onnx":  AssetWeights,
	".index": AssetIndex,
	".wav":   AssetReferenceAudio,
	".txt":   AssetReferenceText,
}

// assetOrder keeps the Assets slice stable regardless of directory order.
var assetOrder = []string{AssetWeights, AssetIndex, AssetReferenceAudio, AssetReferenceText}

// LoadDir scans a models directory for character voices. A character is the
// file stem shared by its assets (Mila.pth, Mila.index, Mila.wav, Mila.txt).
// Stems with neither weights nor reference audio are not voices and are skipped.
func LoadDir(dir string) ([]types.Character, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	found := map[string]map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		kind, ok := assetKinds[strings.ToLower(ext)]
		if !ok {
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		if stem == "" {
			continue
		}
		if found[stem] == nil {
			found[stem] = map[string]bool{}
		}
		found[stem][kind] = true
	}
	chars := make([]types.Character, 0, len(found))
	for stem, kinds := range found {
		if !kinds[AssetWeights] && !kinds[AssetReferenceAudio] {
			continue
		}
		c := types.Character{Short: stem}
		for _, k := range assetOrder {
			if kinds[k] {
				c.Assets = append(c.Assets, k)
			}
		}
		chars = append(chars, c)
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i].Short < chars[j].Short })
	return chars, nil
}

// Scanner lists the characters of a fixed models directory.
type Scanner struct {
	Dir string
}

// Characters rescans Dir. A missing directory yields no characters.
func (s Scanner) Characters() ([]types.Character, error) {
	chars, err := LoadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return []types.Character{}, nil
	}
	return chars, err
}
