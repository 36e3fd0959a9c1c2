package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragkb-go/internal/logging"
	"github.com/54b3r/ragkb-go/internal/server"
	"github.com/54b3r/ragkb-go/internal/store"
)

// NewServeCmd constructs the `ragkb serve` command, which starts the HTTP
// server exposing the retrieval REST API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ragkb HTTP server",
		Long: `Start the ragkb HTTP server on localhost.

The server exposes the retrieval REST API: query, knowledge-base lifecycle
(add/remove/activate/list), mode and enabled switches, status, query
history, and Prometheus metrics on /metrics.

Examples:
  ragkb serve
  ragkb serve --port 9090
  EMBEDDING_PROVIDER=openai ragkb serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("EMBEDDING_PROVIDER")))

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			eng, emb, err := buildEngine(log, reg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			// Open query history store. RAGKB_HISTORY_DB overrides the default
			// path (~/.ragkb/history.db). Set to "disabled" to turn history off.
			var historyStore *store.SQLiteStore
			dbPath := os.Getenv("RAGKB_HISTORY_DB")
			if dbPath != "disabled" {
				if dbPath == "" {
					dbPath, err = store.DefaultDBPath()
					if err != nil {
						log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
					}
				}
				if dbPath != "" {
					hs, hsErr := store.Open(dbPath)
					if hsErr != nil {
						log.Warn("history: failed to open store, disabling", slog.Any("error", hsErr))
					} else {
						historyStore = hs
						defer func() { _ = hs.Close() }()
						log.Info("history: store opened", slog.String("path", dbPath))
					}
				}
			} else {
				log.Info("history: disabled via RAGKB_HISTORY_DB=disabled")
			}

			providerName := os.Getenv("EMBEDDING_PROVIDER")
			if providerName == "" {
				providerName = "ollama"
			}
			pingers := []server.Pinger{server.NewEmbedderPinger(emb, providerName)}
			if historyStore != nil {
				pingers = append(pingers, server.NewHistoryPinger(historyStore))
			}

			srvCfg := &server.Config{
				Host:            host,
				Port:            port,
				Logger:          log,
				Pingers:         pingers,
				APIKey:          os.Getenv("RAGKB_API_KEY"),
				MetricsRegistry: reg,
				MetricsGatherer: reg,
			}
			if historyStore != nil {
				srvCfg.History = historyStore
			}

			srv, err := server.New(eng, srvCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	defaultHost := os.Getenv("RAGKB_HOST")
	if defaultHost == "" {
		defaultHost = "127.0.0.1"
	}
	cmd.Flags().StringVar(&host, "host", defaultHost, "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", envIntOr("RAGKB_PORT", 8080), "TCP port to listen on")

	return cmd
}
