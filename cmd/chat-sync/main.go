package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chatsync"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/export"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/nutapi"
	"github.com/alexjbarnes/chat-sync/internal/pending"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chat-sync",
		Short: "Keep a chat conversation in sync with the backend",
		Long: `chat-sync loads a conversation's full history, merges it with messages
buffered locally, and follows the realtime push channel. Configuration
comes from the environment or a .env file.`,
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run()
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:       "export [json|jsonl|yaml]",
			Short:     "Load the conversation and write the merged transcript to stdout",
			Args:      cobra.MaximumNArgs(1),
			ValidArgs: []string{"json", "jsonl", "yaml"},
			RunE: func(cmd *cobra.Command, args []string) error {
				format := ""
				if len(args) > 0 {
					format = args[0]
				}

				return runExport(format, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Load the conversation and print its sync status as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runStatus(cmd.OutOrStdout())
			},
		},
	)

	return root
}

// app holds everything a command needs once config is loaded.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	state   *state.State
	session *chatsync.Session
	metrics *metrics.Metrics
}

// setup loads config, opens state and builds the session. Logs go to
// logOut.
func setup(logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLoggerTo(logOut, cfg.Environment, cfg.LogLevel)

	var appState *state.State
	if cfg.StatePath != "" {
		appState, err = state.LoadAt(cfg.StatePath)
	} else {
		appState, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	client := nutapi.NewClient(nil, cfg.APIURL, cfg.APIToken)
	loader := nutapi.NewLoader(client, logger.With(slog.String("service", "loader")))

	m := metrics.New()

	opts := cfg.LoadOptions()
	opts.OnProgress = func(p nutapi.Progress) {
		m.ObserveProgress(p)
		logger.Debug("load progress",
			slog.Int("page", p.Page),
			slog.Int("loaded", p.Loaded),
			slog.Int("total", p.Total),
			slog.Bool("rate_limited", p.IsRateLimited),
		)
	}

	session, err := chatsync.New(chatsync.Config{
		ConversationID: cfg.ConversationID,
		UserID:         cfg.UserID,
		Authenticated:  cfg.Authenticated(),
		LoadOptions:    opts,
		Gate:           realtime.Gate{UserID: cfg.UserID, Mode: cfg.GateMode()},
		Observer:       m,
	}, loader, appState, pending.NewTracker(), logger)
	if err != nil {
		appState.Close()
		return nil, err
	}

	m.RegisterStatus(session.Status)

	return &app{cfg: cfg, logger: logger, state: appState, session: session, metrics: m}, nil
}

func run() error {
	a, err := setup(os.Stdout)
	if err != nil {
		return err
	}
	defer a.state.Close()

	a.logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("conversation", a.cfg.ConversationID),
		slog.Bool("realtime", a.cfg.EnableRealtime),
		slog.Bool("mcp", a.cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := a.session.Load(ctx); err != nil {
		// A failed initial load is recorded as a sync error. Keep running
		// so pushes and chat_reload can recover.
		if ctx.Err() != nil {
			return nil
		}

		a.logger.Error("initial load failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.EnableRealtime {
		g.Go(func() error {
			return runRealtime(gctx, a)
		})
	}

	if a.cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, a)
		})
	}

	if !a.cfg.EnableRealtime && !a.cfg.EnableMCP {
		a.logger.Info("nothing to follow, exiting")
		return nil
	}

	return g.Wait()
}

// runRealtime follows the conversation's push channel until ctx is done.
func runRealtime(ctx context.Context, a *app) error {
	sub := realtime.NewSubscriber(realtime.SubscriberConfig{
		URL:            a.cfg.RealtimeURL,
		Token:          a.cfg.APIToken,
		ConversationID: a.cfg.ConversationID,
	}, a.logger.With(slog.String("service", "realtime")))

	err := a.session.Follow(ctx, sub)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("realtime: %w", err)
	}

	return nil
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, a *app) error {
	keys, err := a.cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.session)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	store := auth.NewStore()
	for _, k := range keys {
		store.RegisterAPIKey(k.Key, k.UserID)
	}

	srv := &http.Server{
		Addr: a.cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Store:      store,
			MCPHandler: mcpHandler,
			Logger:     mcpLogger,
			Status:     a.session.Status,
			Metrics:    a.metrics.Handler(),
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", a.cfg.MCPListenAddr),
		slog.Int("keys", store.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// runExport loads the conversation once and writes the merged transcript
// to w. A partial load still exports what was fetched.
func runExport(format string, w io.Writer) error {
	exp, err := export.NewExporter(format)
	if err != nil {
		return err
	}

	a, err := setup(os.Stderr)
	if err != nil {
		return err
	}
	defer a.state.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := a.session.Load(ctx); err != nil {
		return err
	}

	t := export.NewTranscript(a.session.ConversationID(), string(a.session.Status().State), a.session.Partial(), a.session.Messages())

	return exp.Export(t, w)
}

// runStatus loads the conversation and prints its sync status as JSON.
// Load failures are reported through the status rather than as an exit
// error.
func runStatus(w io.Writer) error {
	a, err := setup(os.Stderr)
	if err != nil {
		return err
	}
	defer a.state.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, loadErr := a.session.Load(ctx)
	if loadErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	out := struct {
		ConversationID string                `json:"conversation_id"`
		Status         pending.SyncStatus    `json:"status"`
		Load           *chatsync.LoadSummary `json:"load,omitempty"`
	}{
		ConversationID: a.session.ConversationID(),
		Status:         a.session.Status(),
		Load:           summary,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}
