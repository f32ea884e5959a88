package backend

import (
	"context"
	"fmt"
	"os"

	"mitavoice/internal/audio"
	"mitavoice/internal/catalog"
	"mitavoice/internal/worker"
)

// synthThenConvert runs engine synth into a temp file, passes it through
// the shared RVC stage when the mode has an RVC namespace, and converts the
// result to stereo.
func synthThenConvert(ctx context.Context, sess worker.Session, engine string, args map[string]any,
	tmp string, rvc *RVCHandler, req Request, p catalog.Params) (string, error) {
	if sess == nil {
		return "", ErrNotInitialized
	}
	tts := audio.TempName(tmp, "tts", ".wav")
	defer os.Remove(tts)
	args["out_path"] = tts
	if _, err := sess.Call(ctx, "synth", engine, args); err != nil {
		return "", fmt.Errorf("%s synth: %w", engine, err)
	}
	src := tts
	if prefix, ok := rvcPrefix[req.ModelID]; ok && prefix != "" {
		conv := audio.TempName(tmp, "rvc", ".wav")
		defer os.Remove(conv)
		if err := rvc.Convert(ctx, tts, conv, p, prefix, req.Character); err != nil {
			return "", err
		}
		src = conv
	}
	out := audio.TempName(tmp, "voiceover", ".wav")
	if err := audio.ToStereo(src, out); err != nil {
		_ = os.Remove(out)
		return "", err
	}
	return out, nil
}
