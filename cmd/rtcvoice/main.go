// rtcvoice: realtime voice session client.
//
// Fetches an ephemeral credential, negotiates a WebRTC session with the
// realtime endpoint, streams microphone audio up, plays the model's audio
// back and prints the conversation as it happens. Ctrl+C ends the session.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rtcvoice/internal/app"
	"github.com/1ureka/rtcvoice/internal/config"
	"github.com/1ureka/rtcvoice/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	cfg, err := loadConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		util.LogError("%v", err)
		return 1
	}

	if cfg.Debug || cfg.Verbose {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("rtcvoice v%s", version))
	pterm.Println()

	c := app.New(cfg, os.Stdout)
	util.LogDebug("session id %s", c.SessionID())

	if err := c.Run(ctx); err != nil {
		util.LogError("%v", err)
		return 1
	}

	util.LogInfo("session closed")
	return 0
}

// loadConfig resolves the configuration: defaults, then the config file,
// then flags that were set explicitly.
func loadConfig(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("rtcvoice", pflag.ContinueOnError)

	configPath := fs.StringP("config", "c", "", "config file (.yaml or .jsonc); defaults to $"+config.EnvConfigPath)
	sessionEndpoint := fs.String("session-endpoint", "", "credential endpoint URL")
	negotiationEndpoint := fs.String("negotiation-endpoint", "", "SDP negotiation endpoint URL")
	model := fs.StringP("model", "m", "", "realtime model")
	stun := fs.String("stun", "", "STUN server URL (empty for host candidates only)")
	sampleRate := fs.Int("sample-rate", 0, "capture sample rate in Hz")
	channels := fs.Int("channels", 0, "capture channel count")
	frameSize := fs.Int("frame-size", 0, "capture frame size in samples per channel")
	input := fs.StringP("input", "i", "", `capture device: none, -, a file, or "exec:<command>"`)
	output := fs.StringP("output", "o", "", `playback device: none, a file, or "exec:<command>" with {rate} and {channels}`)
	instructions := fs.String("instructions", "", "session instructions sent on connect")
	voice := fs.String("voice", "", "session voice sent on connect")
	sttURL := fs.String("stt-url", "", "websocket speech-to-text service for local transcripts")
	verbose := fs.BoolP("verbose", "v", false, "log every raw event")
	debug := fs.Bool("debug", false, "enable debug logging")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if *showVersion {
		fmt.Println(version)
		return config.Config{}, pflag.ErrHelp
	}

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		return config.Config{}, err
	}

	overrides := []struct {
		flag  string
		apply func()
	}{
		{"session-endpoint", func() { cfg.SessionEndpoint = *sessionEndpoint }},
		{"negotiation-endpoint", func() { cfg.NegotiationEndpoint = *negotiationEndpoint }},
		{"model", func() { cfg.Model = *model }},
		{"stun", func() { cfg.STUNServerURL = *stun }},
		{"sample-rate", func() { cfg.Audio.SampleRate = *sampleRate }},
		{"channels", func() { cfg.Audio.ChannelCount = *channels }},
		{"frame-size", func() { cfg.Audio.FrameSize = *frameSize }},
		{"input", func() { cfg.Audio.Input = *input }},
		{"output", func() { cfg.Audio.Output = *output }},
		{"instructions", func() { cfg.Session.Instructions = *instructions }},
		{"voice", func() { cfg.Session.Voice = *voice }},
		{"stt-url", func() { cfg.STT.URL = *sttURL }},
		{"verbose", func() { cfg.Verbose = *verbose }},
		{"debug", func() { cfg.Debug = *debug }},
	}
	for _, o := range overrides {
		if fs.Changed(o.flag) {
			o.apply()
		}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
