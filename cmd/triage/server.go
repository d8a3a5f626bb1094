package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/relaydesk/triage/internal/api"
	"github.com/relaydesk/triage/internal/composer"
	"github.com/relaydesk/triage/internal/config"
	"github.com/relaydesk/triage/internal/escalation"
	"github.com/relaydesk/triage/internal/intent"
	"github.com/relaydesk/triage/internal/knowledge"
	"github.com/relaydesk/triage/internal/metrics"
	"github.com/relaydesk/triage/internal/pipeline"
	"github.com/relaydesk/triage/internal/sink"
	"github.com/relaydesk/triage/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the triage server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show triage server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get("http://127.0.0.1" + normalizeAddr(cfg.Server.Addr) + "/health")
		if err != nil {
			printWarning("triage is not running on %s", cfg.Server.Addr)
			return nil
		}
		resp.Body.Close()
		printSuccess("triage is running")
		printStatus("Address", "%s", cfg.Server.Addr)
		printStatus("Store", "%s", cfg.Store.Backend)
		return nil
	},
}

// normalizeAddr turns ":4600" into ":4600" and "0.0.0.0:4600" into ":4600"
// for local health probes.
func normalizeAddr(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return addr
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.DataDir)
	case "redis":
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisTTL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildResolver(cfg config.KnowledgeConfig, logger *slog.Logger) (*knowledge.Resolver, error) {
	routes := make(map[intent.Label][]knowledge.Source)
	authoritative := make(map[intent.Label]string)
	httpClient := &http.Client{Timeout: cfg.SourceTimeout}

	for _, sc := range cfg.Sources {
		var src knowledge.Source
		switch sc.Type {
		case "static":
			loaded, err := knowledge.LoadStaticSource(sc.ID, sc.Path)
			if err != nil {
				return nil, fmt.Errorf("loading static source %q: %w", sc.ID, err)
			}
			src = loaded
		case "http":
			src = knowledge.NewHTTPSource(sc.ID, sc.URL, httpClient)
		default:
			return nil, fmt.Errorf("source %q has unknown type %q", sc.ID, sc.Type)
		}

		for _, label := range sc.Intents {
			l := intent.Label(label)
			routes[l] = append(routes[l], src)
			if sc.Authoritative {
				authoritative[l] = sc.ID
			}
		}
		logger.Info("knowledge source registered", "id", sc.ID, "type", sc.Type, "intents", sc.Intents)
	}

	return knowledge.NewResolver(routes, authoritative, knowledge.Options{
		SourceTimeout: cfg.SourceTimeout,
		MaxRetries:    cfg.MaxRetries,
		RetryInterval: cfg.RetryInterval,
	}), nil
}

func runServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}()
	logger.Info("conversation store ready", "backend", cfg.Store.Backend)

	resolver, err := buildResolver(cfg.Knowledge, logger)
	if err != nil {
		return err
	}

	aggregator := metrics.NewAggregator(cfg.Metrics.Buffer, cfg.Metrics.Window, logger)
	go aggregator.Run(ctx)

	var escSink sink.EscalationSink
	var eventSink sink.EventSink
	logSink := sink.NewLogSink(logger)
	escSink, eventSink = logSink, logSink
	if len(cfg.Kafka.Brokers) > 0 {
		ks := sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.EscalationTopic, cfg.Kafka.EventTopic)
		defer func() {
			if err := ks.Close(); err != nil {
				logger.Warn("closing kafka sink", "error", err)
			}
		}()
		escSink, eventSink = ks, ks
		logger.Info("kafka sink enabled", "brokers", cfg.Kafka.Brokers)
	}

	orch, err := pipeline.NewOrchestrator(pipeline.Options{
		Store:      st,
		Classifier: intent.NewClassifier(cfg.Engine.FrustrationTurns),
		Resolver:   resolver,
		Engine:     escalation.NewEngine(cfg.Engine),
		Composer:   composer.New(),
		Aggregator: aggregator,
		EscSink:    escSink,
		EventSink:  eventSink,
		Timeouts:   cfg.Pipeline,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler := api.NewAppHandler(api.AppDeps{
		Handler: orch,
		Store:   st,
		Metrics: aggregator,
		Token:   cfg.Server.AuthToken,
	})
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	}

	if cfg.Server.MCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Handler: orch,
			Store:   st,
			Metrics: aggregator,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "triage listening on %s\n", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
