// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	version     = flag.Bool("version", false, "Show version")
	interactive = flag.Bool("i", false, "Ask for settings when running init")
	openBrowser = flag.Bool("open", false, "Open the call status page when the peer starts")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: goopcall %s <peer-directory>\n", command)
		os.Exit(1)
	}

	switch command {
	case "peer":
		runCLIPeer(args[1])
	case "init":
		runCLIInit(args[1], *interactive)
	case "token":
		runCLIToken(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) (string, string) {
	dir, err := util.ValidatePeerDir(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	return absDir, filepath.Join(absDir, config.FileName)
}

func runCLIPeer(peerDirArg string) {
	absDir, cfgPath := peerDir(peerDirArg)
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s (run: goopcall init %s)", absDir, peerDirArg)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully...")
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir:     absDir,
		CfgPath:     cfgPath,
		Cfg:         cfg,
		OpenBrowser: *openBrowser,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIInit(peerDirArg string, ask bool) {
	absDir, cfgPath := peerDir(peerDirArg)
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if ask {
		cfg, err = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
		if err != nil {
			log.Fatalf("Setup: %v", err)
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("Save config: %v", err)
		}
	}

	if created {
		fmt.Printf("Created %s\n", cfgPath)
	} else {
		fmt.Printf("Using %s\n", cfgPath)
	}
	if id, err := app.SelfID(absDir, cfg); err == nil {
		fmt.Printf("Participant id: %s\n", id)
	}
}

func runCLIToken(peerDirArg string) {
	absDir, cfgPath := peerDir(peerDirArg)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Viewer.JWTSecret == "" {
		log.Fatalf("viewer.jwt_secret is empty in %s; the API is open without a token", cfgPath)
	}
	id, err := app.SelfID(absDir, cfg)
	if err != nil {
		log.Fatalf("Participant id: %v", err)
	}
	ttl := time.Duration(cfg.Viewer.TokenTTLHours) * time.Hour
	tok, err := viewer.IssueToken(cfg.Viewer.JWTSecret, id, ttl, time.Now())
	if err != nil {
		log.Fatalf("Issue token: %v", err)
	}
	fmt.Println(tok)
}

func showUsage() {
	fmt.Println("goopcall - peer-to-peer audio/video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall [-open] peer <directory> Run a participant")
	fmt.Println("  goopcall [-i] init <directory>   Create the directory and its goop.json")
	fmt.Println("  goopcall token <directory>       Print a bearer token for the HTTP API")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -i        Ask for the common settings during init")
	fmt.Println("  -open     Open the call status page in the browser (peer)")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall -i init ./peers/alice")
	fmt.Println("  goopcall peer ./peers/alice")
	fmt.Println("  curl -H \"Authorization: Bearer $(goopcall token ./peers/alice)\" http://127.0.0.1:8788/api/call/status")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  goopcall participant                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Profile.Label != "" {
		fmt.Printf("Peer Label:     %s\n", cfg.Profile.Label)
	}
	fmt.Printf("Transport:      %s\n", cfg.Transport.Kind)
	if cfg.Profile.CallsDisabled {
		fmt.Println("Calls:          disabled (announced to peers)")
	}
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Call API:       %s/api/call/status\n", url)
		fmt.Println()
	}

	fmt.Println("Starting participant... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
