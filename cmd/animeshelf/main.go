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
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/config"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/coordinator"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/logging"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "animeshelf",
		Short:         "Offline-first anime list tracker with remote sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newRunCommand("bootstrap", "Import the full remote list without removing local entries", (*coordinator.Coordinator).Bootstrap),
		newRunCommand("refresh", "Merge the full remote list, removing clean entries the remote dropped", (*coordinator.Coordinator).Refresh),
		newRunCommand("drain", "Push pending local edits to the remote", (*coordinator.Coordinator).DrainQueue),
		newRunCommand("sync", "Push pending edits, then refresh", (*coordinator.Coordinator).Synchronize),
		newStatusCommand(),
		newLoginCommand(),
		newLogoutCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("remote-endpoint", defaults.GetString("remote.endpoint"), "Remote GraphQL endpoint")
	cmd.PersistentFlags().String("credential-file", defaults.GetString("auth.credential_file"), "Path of the stored access token")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "remote.endpoint", "remote-endpoint")
	bindFlag(cmd, "auth.credential_file", "credential-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("animeshelf")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API with background sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Library:        app.store,
		Tracker:        app.tracker,
		Sync:           app.coordinator,
		Connectivity:   app.connectivity,
		Metrics:        app.metrics.Handler(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The startup synchronize reads the connectivity state, so settle it first.
	online := app.probeOnce(signalCtx)
	logger.Info("initial connectivity probe", zap.Bool("online", online))

	go app.prober.Run(signalCtx)
	go app.trackConnectivity(signalCtx)
	if err := app.coordinator.Start(signalCtx); err != nil {
		return err
	}
	defer app.coordinator.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type runFunc func(*coordinator.Coordinator, context.Context) (coordinator.RunResult, error)

func newRunCommand(use, short string, run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := newApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !app.probeOnce(ctx) {
				logger.Warn("remote unreachable", zap.String("probe_url", appConfig.ProbeURL))
			}
			result, err := run(app.coordinator, ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

type statusReport struct {
	Online            bool             `json:"online"`
	PendingOperations int64            `json:"pending_operations"`
	DirtyEntries      int              `json:"dirty_entries"`
	Lists             map[string]int64 `json:"lists"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show list sizes, pending edits and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := newApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.close()

			ctx := cmd.Context()
			report := statusReport{Online: app.probeOnce(ctx), Lists: map[string]int64{}}
			if report.PendingOperations, err = app.queue.Len(ctx); err != nil {
				return err
			}
			counts, err := app.store.CountByStatus(ctx)
			if err != nil {
				return err
			}
			for status, count := range counts {
				report.Lists[status.String()] = count
			}
			entries, err := app.store.ListAll(ctx)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if entry.Dirty {
					report.DirtyEntries++
				}
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newLoginCommand() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a remote access token in the credential file",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return auth.ErrMissingToken
			}
			store, err := auth.NewFileStore(auth.FileStoreConfig{Path: appConfig.CredentialFile})
			if err != nil {
				return err
			}
			credentials, err := store.Save(token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as user %s until %s\n",
				credentials.UserID, credentials.ExpiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Remote access token")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			store, err := auth.NewFileStore(auth.FileStoreConfig{Path: appConfig.CredentialFile})
			if err != nil {
				return err
			}
			return store.Clear()
		},
	}
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
