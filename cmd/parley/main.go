// Parley is a conversational agent that can search the web, read a
// résumé and other documents, and stop to ask its user a question.
//
// It offers an interactive console, a one-shot ask command and an HTTP
// API. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one, defaults
// plus API keys from the environment, a .env file or the key file apply.
//
// Usage:
//
//	parley chat [-thread id]  Start an interactive console session
//	parley ask <question>     Ask a single question
//	parley serve              Start the API server
//	parley version            Print version and build information
//	parley -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/capability"
	"github.com/nugget/parley/internal/checkpoint"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/docs"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/search"
	"github.com/nugget/parley/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. stdin feeds the chat console, stdout
// receives program output and serve logs, stderr receives console-mode
// logs. Arguments are parsed by hand so run can be called concurrently
// from tests.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var threadID string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-thread" && i+1 < len(args):
			threadID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-thread="):
			threadID = strings.TrimPrefix(args[i], "-thread=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath, threadID)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, threadID, cmdArgs)
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - a conversational agent that knows when to ask")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Start an interactive console session")
	fmt.Fprintln(w, "  ask          Ask a single question")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -thread <id>      Conversation thread for chat and ask")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
	return nil
}

// runAsk handles "parley ask <question>": one turn, printing the reply
// or the question the agent wants answered.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, threadID string, args []string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, consoleLevel(cfg), cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)

	a, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if threadID == "" {
		threadID = "ask"
	}
	out, err := a.loop.Run(ctx, threadID, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if out.Suspended() {
		fmt.Fprintf(stdout, "Question: %s\n", out.Token.Query)
		fmt.Fprintf(stdout, "(answer with: parley chat -thread %s)\n", threadID)
		return nil
	}
	fmt.Fprintln(stdout, out.Reply)
	return nil
}

// runChat handles "parley chat": an interactive console on stdin.
func runChat(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, configPath, threadID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, consoleLevel(cfg), cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)

	con := newConsole(stdout, cfg.Console.RenderMarkdown)
	a, err := newApp(cfg, logger, con.onEvent)
	if err != nil {
		return err
	}
	defer a.Close()

	if threadID == "" {
		threadID = cfg.Console.ThreadID
	}
	return con.run(ctx, a.loop, threadID, stdin)
}

// runServe handles "parley serve": the HTTP API, until SIGINT or
// SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.Listen.Addr(),
		"provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
		"data_dir", cfg.DataDir,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.New()
	a, err := newApp(cfg, logger, bus.Publish)
	if err != nil {
		return err
	}
	defer a.Close()

	if sqlStore, ok := a.store.(*checkpoint.SQLStore); ok && cfg.Retention > 0 {
		go pruneLoop(ctx, sqlStore, cfg.Retention, logger)
	}

	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Loop:    a.loop,
		Store:   a.store,
		Bus:     bus,
		Logger:  logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown", "error", err)
	}
	return nil
}

// pruneLoop deletes stale threads at startup and hourly after.
func pruneLoop(ctx context.Context, store *checkpoint.SQLStore, retention time.Duration, logger *slog.Logger) {
	const minKeep = 20
	prune := func() {
		n, err := store.Prune(ctx, retention, minKeep)
		if err != nil {
			logger.Warn("thread prune failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("pruned stale threads", "deleted", n, "retention", retention)
		}
	}

	prune()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// app holds everything a surface needs to run turns.
type app struct {
	loop  *agent.Loop
	store checkpoint.Store
	close func() error
}

func (a *app) Close() error {
	if a.close != nil {
		return a.close()
	}
	return nil
}

// newApp wires the model client, capabilities, checkpoint store and
// loop from cfg. onEvent may be nil.
func newApp(cfg *config.Config, logger *slog.Logger, onEvent func(events.Event)) (*app, error) {
	client, err := createLLMClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := tools.NewRegistry(logger)
	if err := capability.Register(reg, capability.Deps{
		Search:     createSearchManager(cfg, logger),
		MaxResults: cfg.Search.MaxResults,
		Docs:       docs.NewReader(),
		ResumePath: cfg.Documents.ResumePath,
		Workspace:  cfg.Documents.Workspace,
		Logger:     logger,
	}); err != nil {
		return nil, err
	}
	reg.Freeze()

	store, closeStore, err := openStore(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	loop, err := agent.NewLoop(agent.Config{
		Client:        client,
		Model:         cfg.Model.Name,
		Registry:      reg,
		Store:         store,
		MaxIterations: cfg.Agent.MaxIterations,
		TurnTimeout:   cfg.Agent.TurnTimeout,
		OnEvent:       onEvent,
		Logger:        logger,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	return &app{loop: loop, store: store, close: closeStore}, nil
}

// openStore opens the SQLite checkpoint database under dataDir, or an
// in-memory store when dataDir is empty.
func openStore(dataDir string, logger *slog.Logger) (checkpoint.Store, func() error, error) {
	if dataDir == "" {
		logger.Info("no data_dir configured, conversations will not survive restarts")
		return checkpoint.NewMemoryStore(), func() error { return nil }, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dataDir, "parley.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	store, err := checkpoint.NewSQLStore(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("checkpoint store: %w", err)
	}
	return store, store.Close, nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// consoleLevel keeps interactive output quiet unless a level is set.
func consoleLevel(cfg *config.Config) slog.Level {
	if cfg.LogLevel == "" {
		return slog.LevelWarn
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return level
}

// loadConfig loads .env, then the YAML config (an explicit path must
// exist; a missing auto-discovered file means defaults), then the key
// file, and finally fills API keys from the environment.
func loadConfig(explicit string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, "", fmt.Errorf("load .env: %w", err)
	}

	var cfg *config.Config
	cfgPath, err := config.FindConfig(explicit)
	switch {
	case err == nil:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	case explicit != "":
		return nil, "", err
	default:
		cfg = config.Default()
		cfgPath = "(defaults)"
	}

	if cfg.KeyFile != "" {
		if err := config.LoadKeyFile(cfg.KeyFile); err != nil {
			return nil, cfgPath, err
		}
	}
	cfg.ApplyEnv()
	return cfg, cfgPath, nil
}

// createLLMClient builds the model client for the configured provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	switch cfg.Model.Provider {
	case "ollama":
		logger.Info("LLM client initialized", "provider", "ollama", "model", cfg.Model.Name, "url", cfg.Model.OllamaURL)
		return llm.NewOllamaClient(cfg.Model.OllamaURL, logger), nil
	case "gemini":
		if cfg.Model.APIKey == "" {
			return nil, errors.New("gemini provider needs an API key (model.api_key, GOOGLE_API_KEY or the key file)")
		}
		logger.Info("LLM client initialized", "provider", "gemini", "model", cfg.Model.Name)
		return llm.NewGeminiClient(cfg.Model.GeminiURL, cfg.Model.APIKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

// createSearchManager registers every search provider that has the
// credentials or endpoint it needs.
func createSearchManager(cfg *config.Config, logger *slog.Logger) *search.Manager {
	mgr := search.NewManager(cfg.Search.Primary, logger)
	sc := cfg.Search
	if sc.Tavily.APIKey != "" {
		mgr.Register(search.NewTavily(sc.Tavily.APIKey, sc.Tavily.Depth))
	}
	if sc.Brave.APIKey != "" {
		mgr.Register(search.NewBrave(sc.Brave.APIKey))
	}
	if sc.SearXNG.URL != "" {
		mgr.Register(search.NewSearXNG(sc.SearXNG.URL))
	}
	if sc.DuckDuckGo.Enabled {
		mgr.Register(search.NewDuckDuckGo())
	}
	if !mgr.Configured() {
		logger.Warn("no search provider configured, search_web will report unavailable")
	}
	return mgr
}
