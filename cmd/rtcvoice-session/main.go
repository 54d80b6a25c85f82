// rtcvoice-session: credential minting proxy.
//
// Holds the account API key and hands out short-lived session credentials
// on GET /session, so clients never see the key. Reads the key from
// OPENAI_API_KEY.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rtcvoice/internal/config"
	"github.com/1ureka/rtcvoice/internal/tokenproxy"
	"github.com/1ureka/rtcvoice/internal/util"
)

var version = "dev"

// apiKeyEnv holds the upstream API key.
const apiKeyEnv = "OPENAI_API_KEY"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := pflag.NewFlagSet("rtcvoice-session", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "config file (.yaml or .jsonc); defaults to $"+config.EnvConfigPath)
	listen := fs.StringP("listen", "l", "", "listen address")
	upstream := fs.String("upstream", "", "upstream sessions endpoint")
	model := fs.StringP("model", "m", "", "model requested for new sessions")
	voice := fs.String("voice", "", "voice requested for new sessions")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(1)
	}

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	proxy := cfg.Proxy
	if fs.Changed("listen") {
		proxy.Listen = *listen
	}
	if fs.Changed("upstream") {
		proxy.UpstreamURL = *upstream
	}
	if fs.Changed("model") {
		proxy.Model = *model
	}
	if fs.Changed("voice") {
		proxy.Voice = *voice
	}
	if *debug || cfg.Debug {
		util.EnableDebug()
	}

	handler, err := tokenproxy.New(tokenproxy.Options{
		UpstreamURL: proxy.UpstreamURL,
		APIKey:      os.Getenv(apiKeyEnv),
		Model:       proxy.Model,
		Voice:       proxy.Voice,
	})
	if err != nil {
		util.LogError("%v (set %s)", err, apiKeyEnv)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("rtcvoice-session v%s", version))
	pterm.Println()

	err = tokenproxy.ListenAndServe(ctx, proxy.Listen, handler, func(addr net.Addr) {
		util.LogSuccess("serving session credentials on http://%s/session (model %s, voice %s)", addr, proxy.Model, proxy.Voice)
	})
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("proxy stopped")
}
