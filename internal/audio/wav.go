// Package audio converts synthesized speech into the stereo WAV files the
// game and the chat client play.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// ErrEmptyAudio is returned for files with no samples.
var ErrEmptyAudio = errors.New("audio has no samples")

// Info describes a PCM WAV file.
type Info struct {
	Channels   int
	SampleRate int
	BitDepth   int
	Frames     int
}

// ReadWAV decodes a PCM WAV file fully.
func ReadWAV(path string) (*goaudio.IntBuffer, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s: not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = 16
	}
	return buf, depth, nil
}

// Inspect returns the format and length of a WAV file.
func Inspect(path string) (Info, error) {
	buf, depth, err := ReadWAV(path)
	if err != nil {
		return Info{}, err
	}
	ch := buf.Format.NumChannels
	frames := 0
	if ch > 0 {
		frames = len(buf.Data) / ch
	}
	return Info{Channels: ch, SampleRate: buf.Format.SampleRate, BitDepth: depth, Frames: frames}, nil
}

// WriteWAV encodes buf as PCM to path.
func WriteWAV(path string, buf *goaudio.IntBuffer, bitDepth int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(f, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("write pcm: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close encoder: %w", err)
	}
	return f.Close()
}

// Stereo returns buf as two interleaved channels: mono is duplicated and
// anything wider keeps its first two channels.
func Stereo(buf *goaudio.IntBuffer) *goaudio.IntBuffer {
	ch := buf.Format.NumChannels
	if ch == 2 {
		return buf
	}
	frames := 0
	if ch > 0 {
		frames = len(buf.Data) / ch
	}
	out := make([]int, 0, frames*2)
	for i := 0; i < frames; i++ {
		l := buf.Data[i*ch]
		r := l
		if ch > 2 {
			r = buf.Data[i*ch+1]
		}
		out = append(out, l, r)
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: buf.Format.SampleRate},
		Data:           out,
		SourceBitDepth: buf.SourceBitDepth,
	}
}

// ToStereo rewrites in as a stereo WAV at out. in and out may be the same path.
func ToStereo(in, out string) error {
	buf, depth, err := ReadWAV(in)
	if err != nil {
		return err
	}
	if len(buf.Data) == 0 {
		return fmt.Errorf("%s: %w", in, ErrEmptyAudio)
	}
	st := Stereo(buf)
	tmp := out + ".tmp"
	if err := WriteWAV(tmp, st, depth); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, out)
}

// TempName returns a unique path in dir such as dir/voiceover_1a2b3c4d.wav.
func TempName(dir, prefix, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", prefix, uuid.NewString()[:8], ext))
}

// Copy copies a file, creating parent directories.
func Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
