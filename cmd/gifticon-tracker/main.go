package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/gifticon-tracker/internal/api"
	"github.com/zombor/gifticon-tracker/internal/dedup"
	"github.com/zombor/gifticon-tracker/internal/extraction"
	"github.com/zombor/gifticon-tracker/internal/gallery"
	"github.com/zombor/gifticon-tracker/internal/gifticon"
	"github.com/zombor/gifticon-tracker/internal/ingest"
	"github.com/zombor/gifticon-tracker/internal/scanning"
	"github.com/zombor/gifticon-tracker/internal/scanstate"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("gifticon-tracker")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "gifticons.db", "Gifticon database file path")
		stateDBPath   = fs.StringLong("state-db", "scanstate.db", "Scan state database file path")
		storagePath   = fs.StringLong("storage", "./gifticons", "Directory for copied voucher images")
		galleryPath   = fs.StringLong("gallery", "./gallery", "Photo library root; each subdirectory is an album")
		extractorType = fs.StringLong("extractor", "gemini", "Extraction engine: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "qwen2.5vl", "Ollama model name (e.g., qwen2.5vl, llava:1.6)")
		extractTO     = fs.DurationLong("extract-timeout", extraction.DefaultTimeout, "Timeout of a single extraction")
		cacheSize     = fs.IntLong("extract-cache-size", extraction.DefaultCacheSize, "Extraction results cached by image digest (negative disables)")
		maxDimension  = fs.IntLong("max-image-dimension", scanning.DefaultMaxDimension, "Longest image side sent to the engine (0 keeps the original size)")
		timezone      = fs.StringLong("timezone", "Asia/Seoul", "Time zone that decides the current day for expiry")
		alertDays     = fs.IntLong("alert-days", gifticon.DefaultAlertDays, "Days ahead of expiry a voucher is flagged")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel      = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		scanOnce      = fs.StringLong("scan-once", "", "Run one scan in this mode and exit instead of serving (NewInAlbum, NewInGallery, AllInAlbum, AllInGallery)")
		album         = fs.StringLong("album", "", "Target album for --scan-once album modes")
		force         = fs.BoolLong("force", "Re-extract already processed photos with --scan-once")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("GIFTICON_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	location, err := time.LoadLocation(*timezone)
	if err != nil {
		slog.Error("Invalid timezone", "timezone", *timezone, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize databases
	slog.Info("Initializing database...")
	db, err := gifticon.NewSQLiteDB(ctx, *dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	tracker, err := scanstate.NewBoltTracker(*stateDBPath)
	if err != nil {
		slog.Error("Failed to initialize scan state", "error", err)
		os.Exit(1)
	}
	defer tracker.Close()

	// Initialize extraction engine based on type
	var engine scanning.Extractor
	switch *extractorType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		engine, err = scanning.NewGemini(apiKey, *geminiModel, *maxDimension)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *ollamaURL, "model", *ollamaModel)
		engine, err = scanning.NewOllama(*ollamaURL, *ollamaModel, *maxDimension)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid extractor type", "type", *extractorType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer engine.Close()

	source, err := gallery.NewDirSource(*galleryPath)
	if err != nil {
		slog.Error("Failed to open gallery", "error", err)
		os.Exit(1)
	}

	adapter, err := extraction.NewAdapter(engine, source, extraction.Options{
		Timeout:   *extractTO,
		CacheSize: *cacheSize,
	})
	if err != nil {
		slog.Error("Failed to initialize extraction", "error", err)
		os.Exit(1)
	}

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := gifticon.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize services
	service := gifticon.NewService(db, store, source, gifticon.Options{
		Location:  location,
		AlertDays: *alertDays,
	})
	orchestrator := ingest.New(ingest.Deps{
		Enumerator: gallery.NewEnumerator(source),
		Tracker:    tracker,
		Extractor:  adapter,
		Classifier: dedup.NewEngine(db),
		Persister:  service,
	})

	if *scanOnce != "" {
		code := runScanOnce(ctx, orchestrator, *scanOnce, *album, *force)
		// os.Exit skips the deferred closes
		tracker.Close()
		db.Close()
		os.Exit(code)
	}

	// Initialize server
	basicAuth := api.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := api.NewServer(ctx, api.Deps{
		Gifticons:  service,
		Scanner:    orchestrator,
		ScanStates: tracker,
		Images:     source,
	}, basicAuth)

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	addr := fmt.Sprintf(":%d", *port)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	// Let a running scan reach a terminal status before the stores close
	if s := orchestrator.Current(); s != nil {
		<-s.Done()
	}
	slog.Info("Shutting down...")
}

// runScanOnce runs a single scan in the foreground and returns the exit code
func runScanOnce(ctx context.Context, orchestrator *ingest.Orchestrator, mode, album string, force bool) int {
	m, err := ingest.ParseMode(mode)
	if err != nil {
		slog.Error("Invalid scan mode", "mode", mode, "error", err)
		return 1
	}

	res, err := orchestrator.Run(ctx, ingest.Options{
		TargetAlbum:          album,
		Mode:                 m,
		ForceRescanProcessed: force,
	})
	if res == nil {
		slog.Error("Scan could not start", "error", err)
		return 1
	}

	fmt.Printf("Scan %s: %d saved, %d skipped\n", res.Status, len(res.Saved), len(res.Skipped))
	for _, g := range res.Saved {
		fmt.Printf("  saved    %s %s (expires %s)\n", g.BrandName, g.ProductName, orUnknown(g.ExpiryDate))
	}
	for _, item := range res.Skipped {
		fmt.Printf("  skipped  %s: %s\n", item.Asset.URI, item.Reason)
	}

	if err != nil {
		slog.Error("Scan failed", "error", err)
		return 1
	}
	return 0
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
