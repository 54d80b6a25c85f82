// Package config holds the client configuration: endpoints, ICE server,
// audio framing and handshake timeouts.
//
// Values come from Default(), optionally overridden by a YAML or JSONC file
// (Load) and then by explicitly set command-line flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Default endpoint and model values, matching the public realtime API.
const (
	DefaultSessionEndpoint     = "http://localhost:9090/session"
	DefaultNegotiationEndpoint = "https://api.openai.com/v1/realtime"
	DefaultModel               = "gpt-4o-realtime-preview-2024-12-17"
	DefaultSTUNServer          = "stun:stun.l.google.com:19302"
	DefaultVoice               = "coral"
	DefaultProxyListen         = "127.0.0.1:9090"
	DefaultProxyUpstream       = "https://api.openai.com/v1/realtime/sessions"
)

// EnvConfigPath names the environment variable consulted for a config file
// when none is given on the command line.
const EnvConfigPath = "RTCVOICE_CONFIG"

// Config is the full client configuration.
type Config struct {
	SessionEndpoint     string `yaml:"session_endpoint" json:"session_endpoint"`
	NegotiationEndpoint string `yaml:"negotiation_endpoint" json:"negotiation_endpoint"`
	Model               string `yaml:"model" json:"model"`
	STUNServerURL       string `yaml:"stun_server_url" json:"stun_server_url"`

	Audio    AudioConfig    `yaml:"audio" json:"audio"`
	Timeouts TimeoutsConfig `yaml:"timeouts" json:"timeouts"`
	Session  SessionConfig  `yaml:"session" json:"session"`
	STT      STTConfig      `yaml:"stt" json:"stt"`
	Proxy    ProxyConfig    `yaml:"proxy" json:"proxy"`

	// Verbose logs every raw inbound event at debug level.
	Verbose bool `yaml:"verbose" json:"verbose"`
	Debug   bool `yaml:"debug" json:"debug"`
}

// AudioConfig describes the local PCM16 devices and the framing used on the
// capture path.
type AudioConfig struct {
	SampleRate   int `yaml:"sample_rate" json:"sample_rate"`
	ChannelCount int `yaml:"channel_count" json:"channel_count"`
	// FrameSize is the number of samples per channel in one capture frame.
	FrameSize int `yaml:"frame_size" json:"frame_size"`

	// Input and Output are device specs: "none", "-" (stdin, input only),
	// a file path, or "exec:<command>".
	Input  string `yaml:"input" json:"input"`
	Output string `yaml:"output" json:"output"`
}

// TimeoutsConfig bounds the two handshake HTTP calls.
type TimeoutsConfig struct {
	Credential  Duration `yaml:"credential" json:"credential"`
	Negotiation Duration `yaml:"negotiation" json:"negotiation"`
}

// SessionConfig is sent as a session.update event once the event channel
// opens. Empty fields are omitted; an all-empty config sends nothing.
type SessionConfig struct {
	Instructions string `yaml:"instructions" json:"instructions"`
	Voice        string `yaml:"voice" json:"voice"`
}

// STTConfig enables the websocket speech-to-text add-on when URL is set.
type STTConfig struct {
	URL string `yaml:"url" json:"url"`
}

// ProxyConfig configures the token-minting proxy (rtcvoice-session).
type ProxyConfig struct {
	Listen      string `yaml:"listen" json:"listen"`
	UpstreamURL string `yaml:"upstream_url" json:"upstream_url"`
	Model       string `yaml:"model" json:"model"`
	Voice       string `yaml:"voice" json:"voice"`
}

// Duration is a time.Duration that decodes from strings such as "10s" in
// both YAML and JSON.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration: 48 kHz mono capture in 20 ms
// frames, no audio devices, 10 s credential and 15 s negotiation timeouts.
func Default() Config {
	return Config{
		SessionEndpoint:     DefaultSessionEndpoint,
		NegotiationEndpoint: DefaultNegotiationEndpoint,
		Model:               DefaultModel,
		STUNServerURL:       DefaultSTUNServer,
		Audio: AudioConfig{
			SampleRate:   48000,
			ChannelCount: 1,
			FrameSize:    960,
			Input:        "none",
			Output:       "none",
		},
		Timeouts: TimeoutsConfig{
			Credential:  Duration(10 * time.Second),
			Negotiation: Duration(15 * time.Second),
		},
		Proxy: ProxyConfig{
			Listen:      DefaultProxyListen,
			UpstreamURL: DefaultProxyUpstream,
			Model:       DefaultModel,
			Voice:       DefaultVoice,
		},
	}
}

// Resolve loads path, or the file named by $RTCVOICE_CONFIG when path is
// empty. With neither set it returns Default().
func Resolve(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Load reads the file at path on top of Default(). Files ending in .json or
// .jsonc are parsed as JSON with comments; anything else as YAML. Unknown
// keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	return cfg, nil
}

// Validate checks the values the session cannot start without.
func (c Config) Validate() error {
	var errs []error

	if err := checkURL("session_endpoint", c.SessionEndpoint, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("negotiation_endpoint", c.NegotiationEndpoint, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if c.STUNServerURL != "" && !strings.HasPrefix(c.STUNServerURL, "stun:") && !strings.HasPrefix(c.STUNServerURL, "stuns:") {
		errs = append(errs, fmt.Errorf("stun_server_url must use the stun: or stuns: scheme, got %q", c.STUNServerURL))
	}

	switch c.Audio.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate must be one of 8000, 12000, 16000, 24000, 48000, got %d", c.Audio.SampleRate))
	}
	if c.Audio.ChannelCount != 1 && c.Audio.ChannelCount != 2 {
		errs = append(errs, fmt.Errorf("audio.channel_count must be 1 or 2, got %d", c.Audio.ChannelCount))
	}
	if c.Audio.SampleRate > 0 && !validFrameSize(c.Audio.FrameSize, c.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.frame_size %d is not a 2.5/5/10/20/40/60 ms frame at %d Hz", c.Audio.FrameSize, c.Audio.SampleRate))
	}
	if c.Audio.Output == "-" {
		errs = append(errs, errors.New("audio.output cannot be stdout; conversation output is written there"))
	}

	if c.Timeouts.Credential < 0 || c.Timeouts.Negotiation < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.STT.URL != "" {
		if err := checkURL("stt.url", c.STT.URL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// NegotiationURL returns the negotiation endpoint with the model query
// parameter applied.
func (c Config) NegotiationURL() string {
	u, err := url.Parse(c.NegotiationEndpoint)
	if err != nil || c.Model == "" {
		return c.NegotiationEndpoint
	}
	q := u.Query()
	q.Set("model", c.Model)
	u.RawQuery = q.Encode()
	return u.String()
}

// validFrameSize reports whether n samples per channel is a legal opus
// frame duration at the given rate.
func validFrameSize(n, rate int) bool {
	if n <= 0 {
		return false
	}
	// Durations in tenths of a millisecond: 2.5, 5, 10, 20, 40, 60 ms.
	for _, tenths := range []int{25, 50, 100, 200, 400, 600} {
		if n*10000 == rate*tenths {
			return true
		}
	}
	return false
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s is not a valid URL: %q", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", key, schemes, u.Scheme)
}
