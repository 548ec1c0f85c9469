package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxy-pool-manager/internal/api"
	"github.com/proxy-pool-manager/internal/client"
	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/manager"
	"github.com/proxy-pool-manager/internal/metrics"
	"github.com/proxy-pool-manager/internal/monitors"
	"github.com/proxy-pool-manager/internal/provider"
	"github.com/proxy-pool-manager/internal/snapshot"
	"github.com/proxy-pool-manager/internal/storage"
	"github.com/proxy-pool-manager/internal/store"
	"github.com/proxy-pool-manager/internal/tasks"
	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "proxypool",
	Short:         "Rotating egress proxy pool manager",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		setupLogging(cfg.Logging)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool manager, its background loops and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print pool statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool(false)
		if err != nil {
			return err
		}
		defer p.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		stats, err := p.manager.GetStats(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var provisionCount int

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Acquire new proxies from every enabled provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		if provisionCount <= 0 {
			return fmt.Errorf("--count must be positive")
		}

		p, err := openPool(false)
		if err != nil {
			return err
		}
		defer p.close()

		added := p.manager.Provision(cmd.Context(), provisionCount)
		fmt.Fprintf(cmd.OutOrStdout(), "provisioned %d of %d proxies\n", added, provisionCount)
		return nil
	},
}

var (
	fetchType     string
	fetchLocation string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [url]",
	Short: "GET a URL through the best matching proxy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool(false)
		if err != nil {
			return err
		}
		defer p.close()

		pc := client.New(p.manager, cfg.Pool.OperationTimeout)
		defer pc.Close()

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, args[0], nil)
		if err != nil {
			return err
		}

		resp, err := pc.Do(cmd.Context(), req, types.Requirements{
			Type:     types.ProxyType(fetchType),
			Location: fetchLocation,
		})
		if resp != nil {
			defer resp.Body.Close()
			fmt.Fprintf(cmd.ErrOrStderr(), "HTTP %d\n", resp.StatusCode)
			if _, cerr := io.Copy(cmd.OutOrStdout(), resp.Body); cerr != nil {
				return cerr
			}
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	provisionCmd.Flags().IntVar(&provisionCount, "count", 10, "number of proxies to acquire")
	fetchCmd.Flags().StringVar(&fetchType, "type", types.AnyValue, "proxy type (residential, isp, datacenter or any)")
	fetchCmd.Flags().StringVar(&fetchLocation, "location", types.AnyValue, "proxy location or any")

	rootCmd.AddCommand(serveCmd, statsCmd, provisionCmd, fetchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

type pool struct {
	store     *store.RedisStore
	manager   *manager.Manager
	snapshots *snapshot.Manager
	metrics   *metrics.Collector
}

// close releases a pool opened for a one-shot command
func (p *pool) close() {
	if err := p.store.Close(); err != nil {
		log.Warnf("Failed to close store: %v", err)
	}
}

func openPool(withArchive bool) (*pool, error) {
	rs, err := store.NewRedisStore(store.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		OpTimeout:    cfg.Pool.OperationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	httpClient := &http.Client{Timeout: cfg.Pool.OperationTimeout}

	providers := provider.FromConfig(cfg.Providers, httpClient)
	if len(providers) == 0 {
		log.Warn("No proxy providers enabled, the pool cannot grow")
	}

	opts := manager.OptionsFromConfig(cfg)
	opts.Metrics = collector
	opts.HTTPClient = httpClient
	if cfg.Tasks.Enabled {
		opts.Jobs = tasks.NewDispatcher(rs)
	}

	var snap *snapshot.Manager
	if withArchive {
		archive, err := storage.NewArchive(cfg.Archive, rs.Client())
		if err != nil {
			rs.Close()
			return nil, fmt.Errorf("open stats archive: %w", err)
		}
		snap = snapshot.NewManager(archive, cfg.Archive.PersistInterval)
		if err := snap.LoadFromArchive(); err != nil {
			log.Warnf("Failed to load archived stats: %v (starting fresh)", err)
		}
		opts.Snapshots = snap
	}

	return &pool{
		store:     rs,
		manager:   manager.New(rs, providers, opts),
		snapshots: snap,
		metrics:   collector,
	}, nil
}

func serve() error {
	log.Infof("Starting proxy pool manager v%s", version)

	p, err := openPool(true)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := p.manager.Start(ctx); err != nil {
		p.close()
		return fmt.Errorf("start manager: %w", err)
	}

	apiServer := api.NewServer(cfg, p.manager, monitors.NewRegistry(p.store), p.snapshots, p.metrics)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API server failed: %v", err)
			cancel()
		}
	}()

	log.Infof("Service started successfully on %s", cfg.API.Addr)

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}
	if err := p.manager.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Proxy manager shutdown error: %v", err)
	}

	log.Info("Shutdown complete")
	return nil
}
