// Package edgetts is a client for the Edge read-aloud speech service.
package edgetts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mitavoice/internal/audio"
	"mitavoice/internal/ssml"
)

const (
	DefaultEndpoint    = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1"
	TrustedClientToken = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	SecMSGECVersion    = "1-130.0.2849.68"
	OutputFormat       = "audio-24khz-48kbitrate-mono-mp3"

	// seconds between 1601-01-01 and the unix epoch
	winEpochOffset = 11644473600
)

// ErrNoAudio is returned when the service ends the turn without audio.
var ErrNoAudio = errors.New("edge tts returned no audio")

// Voices maps a voice language to the service voice id.
var Voices = map[string]string{
	"ru": "ru-RU-SvetlanaNeural",
	"en": "en-US-AriaNeural",
}

// VoiceFor returns the voice for lang, defaulting to Russian.
func VoiceFor(lang string) string {
	if v, ok := Voices[strings.ToLower(lang)]; ok {
		return v
	}
	return Voices["ru"]
}

// SecMSGEC derives the rotating request token for t.
func SecMSGEC(t time.Time) string {
	ticks := t.Unix() + winEpochOffset
	ticks -= ticks % 300
	ticks *= 10_000_000 // 100ns units
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d%s", ticks, TrustedClientToken)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

type Config struct {
	Endpoint string
	Dialer   *websocket.Dialer
	Now      func() time.Time
	Logger   zerolog.Logger
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{cfg: cfg}
}

// Request is one synthesis call.
type Request struct {
	Text  string
	Voice string
	// RatePercent adjusts speaking rate, e.g. 10 for "+10%".
	RatePercent int
}

func (c *Client) endpoint(connID string) (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("TrustedClientToken", TrustedClientToken)
	q.Set("Sec-MS-GEC", SecMSGEC(c.cfg.Now()))
	q.Set("Sec-MS-GEC-Version", SecMSGECVersion)
	q.Set("ConnectionId", connID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")
}

func configFrame(now time.Time) string {
	return "X-Timestamp:" + timestamp(now) + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":"` + OutputFormat + `"}}}}`
}

// SSML renders the document sent to the service.
func SSML(req Request) string {
	lang := "en-US"
	if i := strings.LastIndex(req.Voice, "-"); i > 0 {
		lang = req.Voice[:i]
	}
	return "<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='" + lang + "'>" +
		"<voice name='" + ssml.Escape(req.Voice) + "'>" +
		"<prosody pitch='+0Hz' rate='" + ssml.RatePercent(req.RatePercent) + "' volume='+0%'>" +
		ssml.Escape(ssml.Clean(req.Text)) +
		"</prosody></voice></speak>"
}

func ssmlFrame(reqID string, now time.Time, doc string) string {
	return "X-RequestId:" + reqID + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + timestamp(now) + "Z\r\n" +
		"Path:ssml\r\n\r\n" + doc
}

// headerValue returns the value of key in a "k:v\r\n" header block.
func headerValue(block []byte, key string) string {
	for _, line := range strings.Split(string(block), "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Synthesize returns the MP3 stream for req.
func (c *Client) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrNoAudio
	}
	if req.Voice == "" {
		req.Voice = VoiceFor("ru")
	}
	connID := strings.ReplaceAll(uuid.NewString(), "-", "")
	ep, err := c.endpoint(connID)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	hdr.Set("Origin", "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold")
	hdr.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0")
	conn, _, err := c.cfg.Dialer.DialContext(ctx, ep, hdr)
	if err != nil {
		return nil, fmt.Errorf("dial edge tts: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}

	now := c.cfg.Now()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(configFrame(now))); err != nil {
		return nil, fmt.Errorf("send speech.config: %w", err)
	}
	reqID := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ssmlFrame(reqID, now, SSML(req)))); err != nil {
		return nil, fmt.Errorf("send ssml: %w", err)
	}

	var out bytes.Buffer
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read edge tts: %w", err)
		}
		switch mt {
		case websocket.TextMessage:
			head, _, _ := bytes.Cut(data, []byte("\r\n\r\n"))
			if headerValue(head, "Path") == "turn.end" {
				if out.Len() == 0 {
					return nil, ErrNoAudio
				}
				c.cfg.Logger.Debug().Str("voice", req.Voice).Int("bytes", out.Len()).Msg("edgetts event=done")
				return out.Bytes(), nil
			}
		case websocket.BinaryMessage:
			if len(data) < 2 {
				return nil, fmt.Errorf("edge tts: short binary frame")
			}
			n := int(binary.BigEndian.Uint16(data[:2]))
			if len(data) < 2+n {
				return nil, fmt.Errorf("edge tts: header length %d exceeds frame", n)
			}
			if headerValue(data[2:2+n], "Path") != "audio" {
				continue
			}
			out.Write(data[2+n:])
		}
	}
}

// SynthesizeToWAV synthesizes req and decodes it into a WAV at outPath.
func (c *Client) SynthesizeToWAV(ctx context.Context, req Request, outPath string) error {
	mp3, err := c.Synthesize(ctx, req)
	if err != nil {
		return err
	}
	if err := audio.MP3ToWAV(bytes.NewReader(mp3), outPath); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("decode edge tts mp3: %w", err)
	}
	return nil
}
