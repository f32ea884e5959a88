package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/hajimehoshi/go-mp3"
)

// MP3ToWAV decodes MP3 data and writes it as a 16-bit stereo WAV.
func MP3ToWAV(r io.Reader, outPath string) error {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return fmt.Errorf("mp3 decoder: %w", err)
	}
	// go-mp3 always yields signed 16-bit little-endian stereo
	pcm, err := io.ReadAll(dec)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("decode mp3: %w", err)
	}
	n := len(pcm) / 2
	if n == 0 {
		return ErrEmptyAudio
	}
	data := make([]int, n)
	for i := 0; i < n; i++ {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: dec.SampleRate()},
		Data:           data[:n-n%2],
		SourceBitDepth: 16,
	}
	return WriteWAV(outPath, buf, 16)
}
