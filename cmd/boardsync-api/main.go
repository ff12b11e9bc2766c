package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/audit"
	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/MarcoPoloResearchLab/boardsync/internal/config"
	"github.com/MarcoPoloResearchLab/boardsync/internal/database"
	"github.com/MarcoPoloResearchLab/boardsync/internal/editlock"
	"github.com/MarcoPoloResearchLab/boardsync/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/boardsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/boardsync/internal/logging"
	"github.com/MarcoPoloResearchLab/boardsync/internal/objectsync"
	"github.com/MarcoPoloResearchLab/boardsync/internal/reconciler"
	"github.com/MarcoPoloResearchLab/boardsync/internal/server"
	"github.com/MarcoPoloResearchLab/boardsync/internal/users"
	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "boardsync-api",
		Short: "Realtime collaborative board sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newIssueTokenCommand(), newCreateBoardCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "SQLite path or postgres:// DSN")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket sync server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newIssueTokenCommand() *cobra.Command {
	var displayName string
	var email string
	cmd := &cobra.Command{
		Use:   "issue-token <user-id>",
		Short: "Print a session token for local development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(auth.Identity{
				UserID:      args[0],
				DisplayName: displayName,
				Email:       email,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "Display name carried in the token")
	cmd.Flags().StringVar(&email, "email", "", "Email carried in the token")
	return cmd
}

func newCreateBoardCommand() *cobra.Command {
	var title string
	var members []string
	cmd := &cobra.Command{
		Use:   "create-board <board-id> <owner-id>",
		Short: "Create an empty board and grant members access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, _, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			boardID, err := boards.NewBoardID(args[0])
			if err != nil {
				return err
			}
			ownerID, err := boards.NewUserID(args[1])
			if err != nil {
				return err
			}

			backend, err := database.Open(appConfig.DatabaseDSN, logger)
			if err != nil {
				return err
			}
			defer backend.Close() //nolint:errcheck

			ctx := cmd.Context()
			state, err := backend.Boards.CreateBoard(ctx, boards.NewBoard{ID: boardID, OwnerID: ownerID, Title: title})
			if err != nil {
				return err
			}
			for _, member := range members {
				memberID, err := boards.NewUserID(member)
				if err != nil {
					return err
				}
				if err := backend.Boards.AddMember(ctx, boardID, memberID, ""); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created board %s at version %d\n", state.ID, state.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Board title")
	cmd.Flags().StringSliceVar(&members, "member", nil, "User id granted access (repeatable)")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, level, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	viper.OnConfigChange(func(event fsnotify.Event) {
		next := logging.ParseLevel(viper.GetString("log.level"))
		if next != level.Level() {
			level.SetLevel(next)
			logger.Info("log level changed", zap.String("file", event.Name), zap.String("level", next.String()))
		}
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}

	backend, err := database.Open(appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	defer backend.Close() //nolint:errcheck

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	defer redisClient.Close() //nolint:errcheck

	cache, err := ephemeral.NewRedisStore(ephemeral.RedisStoreConfig{
		Client:        redisClient,
		PresenceTTL:   appConfig.PresenceTTL,
		CursorTTL:     appConfig.CursorTTL,
		EditLockTTL:   appConfig.EditLockTTL,
		BoardCacheTTL: appConfig.BoardCacheTTL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := cache.Ping(ctx); err != nil {
		return err
	}

	validator, err := boards.NewValidator()
	if err != nil {
		return err
	}
	engine, err := objectsync.NewEngine(objectsync.EngineConfig{
		Cache:      cache,
		Boards:     backend.Boards,
		Validator:  validator,
		IDProvider: objectsync.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	auditSink := audit.NewLogSink(audit.LogSinkConfig{Logger: logger.Named("audit")})
	detector, err := editlock.NewDetector(editlock.DetectorConfig{
		Locks:  cache,
		Audit:  auditSink,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	boardGateway, err := gateway.New(gateway.Config{
		Engine:     engine,
		Locks:      detector,
		Presence:   cache,
		Access:     backend.Boards,
		Audit:      auditSink,
		SendBuffer: appConfig.SendBuffer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	var resolver gateway.IdentityResolver = users.PassthroughResolver{}
	if backend.Identities != nil {
		userService, err := users.NewService(users.ServiceConfig{Database: backend.Identities})
		if err != nil {
			return err
		}
		resolver = userService
	}

	websocketHandler, err := gateway.NewHandler(gateway.HandlerConfig{
		Gateway:        boardGateway,
		Authenticator:  sessionValidator,
		Resolver:       resolver,
		AllowedOrigins: appConfig.AllowedOrigins,
		WriteTimeout:   appConfig.WriteTimeout,
		PongWait:       appConfig.PresenceTTL,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	boardReconciler, err := reconciler.New(reconciler.Config{
		Cache:           cache,
		Resets:          cache,
		Boards:          backend.Boards,
		Interval:        appConfig.ReconcileInterval,
		BatchSize:       appConfig.ReconcileBatchSize,
		SnapshotEvery:   appConfig.SnapshotEvery,
		MaxSnapshots:    appConfig.MaxSnapshots,
		ShutdownTimeout: appConfig.ReconcileShutdownTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         sessionValidator,
		Resolver:       resolver,
		Boards:         backend.Boards,
		Realtime:       websocketHandler,
		Health:         cache,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		auditSink.Run(workersCtx)
	}()
	go func() {
		defer workers.Done()
		cache.SubscribeResets(workersCtx, nil, func(boardID boards.BoardID) {
			boardGateway.ResetBoard(workersCtx, boardID)
		})
	}()
	go func() {
		defer workers.Done()
		boardReconciler.Run(workersCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	closed := boardGateway.CloseAll()
	logger.Info("closing sessions", zap.Int("sessions", closed))
	if err := websocketHandler.Wait(shutdownCtx); err != nil {
		logger.Warn("sessions did not finish before shutdown deadline", zap.Error(err))
	}

	// The reconciler runs its final flush once its context is cancelled.
	cancelWorkers()
	workers.Wait()

	return errors.Join(serveErr, shutdownErr)
}
