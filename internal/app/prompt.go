// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/config"
)

// PromptInteractive walks through the settings a new participant usually
// changes. Empty answers keep the current value.
func PromptInteractive(in io.Reader, out io.Writer, peerDir, cfgPath string, cfg config.Config) (config.Config, error) {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "goopcall interactive setup")
	fmt.Fprintf(out, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(out, " Config file : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	cfg.Profile.Label = askString(r, out, "Label", cfg.Profile.Label)
	cfg.Transport.Kind = askChoice(r, out, "Transport", cfg.Transport.Kind,
		config.TransportLibp2p, config.TransportRedis, config.TransportMemory)

	switch cfg.Transport.Kind {
	case config.TransportLibp2p:
		cfg.P2P.ListenPort = askInt(r, out, "Listen port (0=random)", cfg.P2P.ListenPort)
		cfg.P2P.MdnsTag = askString(r, out, "mDNS tag", cfg.P2P.MdnsTag)
	case config.TransportRedis:
		cfg.Identity.UserID = askString(r, out, "User id", cfg.Identity.UserID)
		cfg.Transport.RedisAddr = askString(r, out, "Redis addr", cfg.Transport.RedisAddr)
	default:
		cfg.Identity.UserID = askString(r, out, "User id", cfg.Identity.UserID)
	}

	cfg.Viewer.HTTPAddr = askString(r, out, "HTTP API addr (empty=off)", cfg.Viewer.HTTPAddr)
	cfg.Call.NotifyDecline = askBool(r, out, "Tell callers when you decline", cfg.Call.NotifyDecline)
	cfg.Call.RingTimeoutSeconds = askInt(r, out, "Ring timeout seconds (0=none)", cfg.Call.RingTimeoutSeconds)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func readLine(in *bufio.Reader) (string, bool) {
	s, err := in.ReadString('\n')
	return strings.TrimSpace(s), err == nil || s != ""
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := readLine(in)
	if s == "" {
		return def
	}
	return s
}

func askChoice(in *bufio.Reader, out io.Writer, label, def string, choices ...string) string {
	for {
		fmt.Fprintf(out, "%s (%s) [%s]: ", label, strings.Join(choices, "/"), def)
		s, ok := readLine(in)
		if s == "" {
			return def
		}
		for _, c := range choices {
			if strings.EqualFold(s, c) {
				return c
			}
		}
		if !ok {
			return def
		}
		fmt.Fprintf(out, "Please enter one of %s.\n", strings.Join(choices, ", "))
	}
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, ok := readLine(in)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if !ok {
			return def
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, ok := readLine(in)
		s = strings.ToLower(s)
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if !ok {
			return def
		}
		fmt.Fprintln(out, "Please enter y or n.")
	}
}
