package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/auth"
	"github.com/MarcoPoloResearchLab/pawsync/internal/config"
	"github.com/MarcoPoloResearchLab/pawsync/internal/database"
	"github.com/MarcoPoloResearchLab/pawsync/internal/engine"
	"github.com/MarcoPoloResearchLab/pawsync/internal/entities"
	"github.com/MarcoPoloResearchLab/pawsync/internal/logging"
	"github.com/MarcoPoloResearchLab/pawsync/internal/mutations"
	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"github.com/MarcoPoloResearchLab/pawsync/internal/remote"
	"github.com/MarcoPoloResearchLab/pawsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "pawsync",
		Short:        "Offline-first sync of contacts, pets and events",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newSyncCommand(),
		newStatusCommand(),
		newRetryCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("remote-token", "", "Remote API integration token (overrides env)")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Interval between background sync cycles")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
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
		viper.SetConfigName("pawsync")
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

// app holds everything a command needs, opened against one database.
type app struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	store      *records.GormStore
	queue      *queue.Queue
	registry   *entities.Registry
	idProvider records.IDProvider
}

func openApp() (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	store, err := records.NewGormStore(db, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	operationStore, err := queue.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	idProvider := records.NewUUIDProvider()
	operations, err := queue.NewQueue(queue.Config{
		Store:      operationStore,
		IDProvider: idProvider,
		MaxRetries: appConfig.MaxRetries,
		Logger:     logger.Named("queue"),
	})
	if err != nil {
		return nil, err
	}
	registry, err := entities.NewDefaultRegistry(appConfig.EventMatchTolerance)
	if err != nil {
		return nil, err
	}

	return &app{
		config:     appConfig,
		logger:     logger,
		db:         db,
		store:      store,
		queue:      operations,
		registry:   registry,
		idProvider: idProvider,
	}, nil
}

func (r *app) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func (r *app) newOrchestrator(observer engine.Observer) (*engine.Orchestrator, error) {
	if err := r.config.ValidateRemote(); err != nil {
		return nil, err
	}
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL:    r.config.RemoteBaseURL,
		Token:      r.config.RemoteToken,
		APIVersion: r.config.RemoteAPIVersion,
		Logger:     r.logger.Named("remote"),
	})
	if err != nil {
		return nil, err
	}
	containers := make(map[records.EntityType]string, len(r.config.Containers))
	for name, containerID := range r.config.Containers {
		entityType, err := records.NewEntityType(name)
		if err != nil {
			return nil, err
		}
		containers[entityType] = containerID
	}
	return engine.New(engine.Config{
		Store:         r.store,
		Queue:         r.queue,
		Registry:      r.registry,
		API:           client,
		IDProvider:    r.idProvider,
		Containers:    containers,
		Observer:      observer,
		Logger:        r.logger.Named("engine"),
		MinInterval:   r.config.MinRequestInterval,
		OverlapWindow: r.config.OverlapWindow,
		PageSize:      r.config.PageSize,
		SyncInterval:  r.config.SyncInterval,
	})
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API and the background sync loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.config.ValidateSession(); err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	orchestrator, err := rt.newOrchestrator(dispatcher)
	if err != nil {
		return err
	}

	service, err := mutations.NewService(mutations.ServiceConfig{
		Store:      rt.store,
		Queue:      rt.queue,
		Registry:   rt.registry,
		IDProvider: rt.idProvider,
		Logger:     rt.logger.Named("mutations"),
		OnChange:   func() { orchestrator.Trigger() },
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(rt.config.SessionSigningSecret),
		CookieName:    rt.config.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Mutations:      service,
		Sync:           orchestrator,
		Queue:          rt.queue,
		Realtime:       dispatcher,
		AllowedOrigins: rt.config.AllowedOrigins,
		Logger:         rt.logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		if err := orchestrator.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Error("sync loop stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
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
		err := httpServer.Shutdown(shutdownCtx)
		<-syncDone
		return err
	case err := <-errCh:
		stop()
		<-syncDone
		return err
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openApp()
			if err != nil {
				return err
			}
			defer rt.Close()

			orchestrator, err := rt.newOrchestrator(engine.NopObserver{})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := orchestrator.RunCycle(ctx)
			printReport(cmd.OutOrStdout(), report)
			return err
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending and failed operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openApp()
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := rt.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pending: %d\nfailed:  %d\n", stats.Pending, stats.Failed)
			failed, err := rt.queue.Failed(cmd.Context())
			if err != nil {
				return err
			}
			for _, op := range failed {
				fmt.Fprintf(out, "  %s %s %s/%s: %s\n", op.ID, op.Type, op.EntityType, op.RecordID, op.Error)
			}
			return nil
		},
	}
}

func newRetryCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [operation-id...]",
		Short: "Move failed operations back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("pass operation ids or --all")
			}
			rt, err := openApp()
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			if all {
				count, err := rt.queue.RetryAllFailed(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "requeued %d operations\n", count)
				return nil
			}
			for _, id := range args {
				op, err := rt.queue.Retry(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "requeued %s %s %s/%s\n", op.ID, op.Type, op.EntityType, op.RecordID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Retry every failed operation")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		subject    string
		deviceName string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a UI client",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := appConfig.ValidateSession(); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				TokenTTL:      appConfig.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), subject, deviceName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires in %s\n", token, time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "owner", "Session subject")
	cmd.Flags().StringVar(&deviceName, "device", "", "Device name recorded in the token")
	return cmd
}

func printReport(out io.Writer, report engine.CycleReport) {
	fmt.Fprintf(out, "push: %d succeeded, %d waiting, %d retrying, %d failed\n",
		report.Push.Succeeded, report.Push.Waiting, report.Push.Retrying, report.Push.Failed)
	fmt.Fprintf(out, "pull: %d fetched, %d created, %d updated, %d linked, %d deleted, %d errors, %d repaired\n",
		report.Pull.Fetched, report.Pull.Created, report.Pull.Updated, report.Pull.Linked,
		report.Pull.Deleted, report.Pull.Errors, report.Pull.Repaired)
	if report.Err != nil {
		fmt.Fprintf(out, "cycle aborted: %v\n", report.Err)
	}
}
