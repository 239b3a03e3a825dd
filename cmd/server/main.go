package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shaun/octophus/internal/api"
	"github.com/shaun/octophus/internal/auth"
	"github.com/shaun/octophus/internal/buffer"
	"github.com/shaun/octophus/internal/config"
	"github.com/shaun/octophus/internal/github"
	"github.com/shaun/octophus/internal/logging"
	"github.com/shaun/octophus/internal/metrics"
	"github.com/shaun/octophus/internal/remote"
	"github.com/shaun/octophus/internal/workspace"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "octophus",
	Short: "Octophus serves a GitHub repository as an editable tree",
	Long: `Octophus lets an editor browse a GitHub repository as a lazily loaded
file tree, edit files in buffers and write every change back as one commit.`,
	SilenceUsage: true,
}

func init() {
	var (
		addr    string
		repo    string
		envFile string
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load(envFile)
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("repo") {
				cfg.Repo = repo
			}
			return serve(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	serveCmd.Flags().StringVar(&repo, "repo", "", "repository to open at startup (owner/name[:branch])")
	serveCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	connect := func(id workspace.Identity) (remote.Backend, error) {
		client, err := github.NewClient(id.Owner, id.Name, github.Config{
			Token:         cfg.GitHubToken,
			BaseURL:       cfg.GitHubAPIURL,
			BlobCacheSize: cfg.BlobCacheSize,
			Logger:        logger.Named("github"),
		})
		if err != nil {
			return nil, err
		}
		return metrics.InstrumentBackend(client), nil
	}

	buffers := buffer.NewStore()
	handler := api.NewHandler(buffers, connect, logger.Named("api"))

	var authMiddleware func(http.Handler) http.Handler
	switch {
	case cfg.AuthEnabled():
		authMiddleware = auth.BasicAuth(cfg.AuthUser, cfg.AuthPassword)
	case cfg.AuthProxy:
		authMiddleware = auth.ProxyUser("editor")
	default:
		logger.Warn("basic auth disabled; set OCTOPHUS_AUTH_USER and OCTOPHUS_AUTH_PASSWORD")
	}
	router := api.NewRouter(handler, authMiddleware)

	if cfg.Repo != "" {
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := handler.OpenRepo(openCtx, cfg.Repo, false)
		cancel()
		if err != nil {
			logger.Error("opening startup repository", zap.String("repo", cfg.Repo), zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := handler.Shutdown(); err != nil {
		logger.Warn("closing session", zap.Error(err))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
