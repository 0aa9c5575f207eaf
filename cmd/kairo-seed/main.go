// kairo-seed runs a kairo seed node: the agent registry, session endpoint,
// trust engine and quorum-governed override surface of the mesh.
//
// Usage:
//
//	kairo-seed serve [--config kairo.yaml]
//	kairo-seed quorum add --id auditor-1 --public-key <hex> --role HumanAuditor
//	kairo-seed quorum list
//	kairo-seed quorum remove --id auditor-1
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/address"
	"github.com/ssd-technologies/kairo/internal/config"
	"github.com/ssd-technologies/kairo/internal/governance"
	"github.com/ssd-technologies/kairo/internal/logging"
	"github.com/ssd-technologies/kairo/internal/mesh"
	"github.com/ssd-technologies/kairo/internal/metrics"
	"github.com/ssd-technologies/kairo/internal/ratelimit"
	"github.com/ssd-technologies/kairo/internal/server"
	"github.com/ssd-technologies/kairo/internal/session"
	"github.com/ssd-technologies/kairo/internal/storage"
	"github.com/ssd-technologies/kairo/internal/trust"
	"github.com/ssd-technologies/kairo/internal/validator"
)

var (
	configFile string
	envFiles   []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kairo-seed",
		Short: "Kairo mesh seed node",
		Long: `A seed node allocates P-addresses, validates signed envelopes from mesh
agents, scores agent trust and applies quorum-approved emergency reissues.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadEnv(envFiles)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("KAIRO_CONFIG"), "config file path")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")

	rootCmd.AddCommand(serveCmd(), quorumCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnv loads the first dotenv file that exists. Variables already set in
// the environment win.
func loadEnv(paths []string) {
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func loadConfig() (*config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	done := func() {
		_ = logger.Sync()
		_ = closeLog()
	}
	return cfg, logger, done, nil
}

func openDB(cfg *config.Config) (*storage.DB, error) {
	path := cfg.Database()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return storage.NewDB(path)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the seed node HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, done, err := loadConfig()
			if err != nil {
				return err
			}
			defer done()

			db, err := openDB(cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, db, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, db *storage.DB, logger *zap.Logger) error {
	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewRecorder(gatherer)

	pool, err := address.NewPool(cfg.Address.Prefix)
	if err != nil {
		return err
	}
	registry, err := address.NewRegistry(pool, db.Registry(),
		address.WithLogger(logger.Named("registry")), address.WithMetrics(rec))
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	tc, err := cfg.TrustEngine()
	if err != nil {
		return err
	}
	engine, err := trust.NewEngine(tc,
		trust.WithStore(db.Trust()),
		trust.WithLogger(logger.Named("trust")),
		trust.WithMetrics(rec))
	if err != nil {
		return fmt.Errorf("load trust records: %w", err)
	}

	roles, err := cfg.RequiredRoles()
	if err != nil {
		return err
	}
	quorum := &governance.Quorum{
		Directory:     db.Quorum(),
		Threshold:     cfg.Quorum.Threshold,
		RequiredRoles: roles,
		MaxAge:        cfg.Quorum.MaxAge,
		Logger:        logger.Named("quorum"),
		Metrics:       rec,
	}

	sessions := session.NewManager(cfg.SessionManager(),
		session.WithLogger(logger.Named("session")), session.WithMetrics(rec))
	rates, err := ratelimit.NewTable(cfg.Rate.Initial, cfg.Rate.Min, cfg.Rate.Max, rec)
	if err != nil {
		return err
	}
	receiver := mesh.NewReceiver(registry, validator.New(logger.Named("validator"), rec), sessions, cfg.Cipher, logger.Named("mesh"))

	var httpLimiter, wsLimiter *ratelimit.Limiter
	if cfg.Limits.HTTPPerMinute > 0 {
		httpLimiter = ratelimit.New(cfg.Limits.HTTPPerMinute, time.Minute)
	}
	if cfg.Limits.WSPerMinute > 0 {
		wsLimiter = ratelimit.New(cfg.Limits.WSPerMinute, time.Minute)
	}

	srv, err := server.New(server.Config{
		Registry:    registry,
		Quorum:      quorum,
		Members:     db.Quorum(),
		Trust:       engine,
		Sessions:    sessions,
		Rates:       rates,
		Tracker:     mesh.NewTracker(),
		Receiver:    receiver,
		Deliver:     deliveryLogger(logger.Named("delivery")),
		AdminSecret: cfg.AdminSecret,
		Limiter:     httpLimiter,
		WSLimiter:   wsLimiter,
		Gatherer:    gatherer,
		Health:      db.Ping,
		Logger:      logger.Named("http"),
		Metrics:     rec,
	})
	if err != nil {
		return err
	}
	srv.StartWorkers(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	stats := registry.Stats()
	logger.Info("kairo seed node running",
		zap.String("listen", cfg.Listen),
		zap.String("prefix", stats.Prefix),
		zap.Int("active_agents", stats.Active),
		zap.String("cipher", cfg.Cipher))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// deliveryLogger is the node's delivery sink: opened payloads are logged,
// never their contents.
func deliveryLogger(logger *zap.Logger) func(*mesh.Delivery) {
	return func(d *mesh.Delivery) {
		logger.Debug("envelope delivered",
			zap.String("id", d.ID),
			zap.String("agent_id", d.From),
			zap.Stringer("p_address", d.Address),
			zap.Uint64("seq", d.Sequence),
			zap.Int("bytes", len(d.Payload)))
	}
}

func quorumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quorum",
		Short: "Manage quorum signatories in the local database",
	}

	var (
		id        string
		publicKey string
		role      string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a quorum signatory",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := governance.ParseRole(role)
			if err != nil {
				return err
			}
			return withQuorumStore(func(q *storage.QuorumStore) error {
				if err := q.AddMember(governance.Member{ID: id, PublicKey: publicKey, Role: r}); err != nil {
					return err
				}
				fmt.Printf("added %s (%s)\n", id, r)
				return nil
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "signatory ID")
	add.Flags().StringVar(&publicKey, "public-key", "", "hex Ed25519 public key")
	add.Flags().StringVar(&role, "role", "", "SeedNode, PeerAI or HumanAuditor")
	add.MarkFlagRequired("id")
	add.MarkFlagRequired("public-key")
	add.MarkFlagRequired("role")

	list := &cobra.Command{
		Use:   "list",
		Short: "List quorum signatories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQuorumStore(func(q *storage.QuorumStore) error {
				members, err := q.Members()
				if err != nil {
					return err
				}
				for _, m := range members {
					fmt.Printf("%-24s %-13s %s\n", m.ID, m.Role, m.PublicKey)
				}
				return nil
			})
		},
	}

	var removeID string
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove a quorum signatory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQuorumStore(func(q *storage.QuorumStore) error {
				if err := q.RemoveMember(removeID); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", removeID)
				return nil
			})
		},
	}
	remove.Flags().StringVar(&removeID, "id", "", "signatory ID")
	remove.MarkFlagRequired("id")

	cmd.AddCommand(add, list, remove)
	return cmd
}

func withQuorumStore(fn func(*storage.QuorumStore) error) error {
	cfg, _, done, err := loadConfig()
	if err != nil {
		return err
	}
	defer done()
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return fn(db.Quorum())
}
