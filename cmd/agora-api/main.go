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

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/collab"
	"github.com/MarcoPoloResearchLab/agora/internal/config"
	"github.com/MarcoPoloResearchLab/agora/internal/database"
	"github.com/MarcoPoloResearchLab/agora/internal/gateway"
	"github.com/MarcoPoloResearchLab/agora/internal/locks"
	"github.com/MarcoPoloResearchLab/agora/internal/logging"
	"github.com/MarcoPoloResearchLab/agora/internal/notifications"
	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/relay"
	"github.com/MarcoPoloResearchLab/agora/internal/server"
	"github.com/MarcoPoloResearchLab/agora/internal/telemetry"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agora-api",
		Short: "Agora real-time collaboration and notification service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newUserCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("signing-secret", "", "Bearer token signing secret (overrides env)")
	flags.String("session-secret", "", "Session cookie signing secret (defaults to the signing secret)")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	flags.Int("lock-ttl-minutes", defaults.GetInt("lock.ttl_minutes"), "Post edit lock TTL in minutes")
	flags.Int("lock-sweep-seconds", defaults.GetInt("lock.sweep_interval_seconds"), "Expired lock sweep interval, 0 disables the janitor")
	flags.String("amqp-url", "", "RabbitMQ URL for mirroring realtime events")
	flags.String("otel-endpoint", "", "OTLP gRPC endpoint for traces")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.session_secret", "session-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "lock.ttl_minutes", "lock-ttl-minutes")
	bindFlag(cmd, "lock.sweep_interval_seconds", "lock-sweep-seconds")
	bindFlag(cmd, "amqp.url", "amqp-url")
	bindFlag(cmd, "otel.endpoint", "otel-endpoint")
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

func newUserCommand() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	var username, role string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, db, closeDB, err := openStore()
			if err != nil {
				return err
			}
			defer closeDB()
			defer logger.Sync() //nolint:errcheck

			parsedRole, err := users.ParseRole(role)
			if err != nil {
				return err
			}
			userService, err := users.NewService(users.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			user, err := userService.Create(cmd.Context(), username, parsedRole)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", user.ID, user.Username, user.Role)
			return nil
		},
	}
	createCmd.Flags().StringVar(&username, "username", "", "Unique username")
	createCmd.Flags().StringVar(&role, "role", string(users.RoleUser), "Account role")
	_ = createCmd.MarkFlagRequired("username")
	userCmd.AddCommand(createCmd)
	return userCmd
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint credentials for an existing user",
	}
	var userID uint
	var kind string
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Print a bearer token or session cookie value",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, db, closeDB, err := openStore()
			if err != nil {
				return err
			}
			defer closeDB()
			defer logger.Sync() //nolint:errcheck

			userService, err := users.NewService(users.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			if _, err := userService.Lookup(cmd.Context(), userID); err != nil {
				return err
			}

			switch kind {
			case "bearer":
				tokens, err := newTokenIssuer(appConfig)
				if err != nil {
					return err
				}
				token, expiresIn, err := tokens.IssueToken(cmd.Context(), userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			case "session":
				sessions, err := newSessionValidator(appConfig)
				if err != nil {
					return err
				}
				value, err := sessions.IssueSession(userID, appConfig.TokenTTL)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", sessions.CookieName(), value)
			default:
				return fmt.Errorf("unknown credential kind %q", kind)
			}
			return nil
		},
	}
	issueCmd.Flags().UintVar(&userID, "user-id", 0, "User id the credential is minted for")
	issueCmd.Flags().StringVar(&kind, "kind", "bearer", "Credential kind (bearer, session)")
	_ = issueCmd.MarkFlagRequired("user-id")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func openStore() (config.AppConfig, *zap.Logger, *gorm.DB, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}
	return appConfig, logger, db, func() { _ = sqlDB.Close() }, nil
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func newSessionValidator(appConfig config.AppConfig) (*auth.SessionValidator, error) {
	return auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		CookieName:    appConfig.CookieName,
	})
}

func runServer(ctx context.Context) error {
	appConfig, logger, db, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(signalCtx, appConfig.OTelEndpoint, appConfig.OTelServiceName)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	tokens, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	sessions, err := newSessionValidator(appConfig)
	if err != nil {
		return err
	}
	resolver, err := auth.NewResolver(auth.ResolverConfig{
		Bearer: auth.NewBearerAuthenticator(tokens, userService),
		Cookie: auth.NewCookieAuthenticator(sessions, userService),
	})
	if err != nil {
		return err
	}

	publisher := relay.NewPublisher(appConfig.AMQPURL, appConfig.AMQPExchange, logger)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("relay publisher close failed", zap.Error(err))
		}
	}()
	var mirror *relay.AsyncMirror
	hubConfig := realtime.HubConfig{Logger: logger}
	if relay.Mode(publisher) != "noop" {
		mirror = relay.NewAsyncMirror(relay.MirrorConfig{
			Publisher: publisher,
			QueueSize: appConfig.RelayQueueSize,
			Logger:    logger,
		})
		hubConfig.Mirror = mirror
		go mirror.Run(signalCtx)
	} else {
		logger.Info("realtime relay disabled", zap.String("reason", relay.NoopReason(publisher)))
	}

	hub := realtime.NewHub(hubConfig)
	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{
		BufferSize: appConfig.SSEBuffer,
		Logger:     logger,
	})

	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database: db,
		Users:    userService,
		Pusher:   dispatcher,
		Emitter:  hub,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	postService, err := posts.NewService(posts.ServiceConfig{
		Database: db,
		Users:    userService,
		Hooks:    notificationService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	lockManager, err := locks.NewManager(locks.ManagerConfig{
		Database: db,
		Users:    userService,
		Emitter:  hub,
		TTL:      appConfig.LockTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	editor, err := collab.NewEditor(collab.EditorConfig{
		Database: db,
		Locks:    lockManager,
		Emitter:  hub,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Fanout:     hub,
		IDProvider: realtime.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sockets, err := gateway.New(gateway.Config{
		Auth:          resolver,
		Registry:      hub,
		Posts:         postService,
		Editor:        editor,
		Chat:          chatService,
		IDs:           realtime.NewUUIDProvider(),
		CookieName:    appConfig.CookieName,
		SessionBuffer: appConfig.SessionBuffer,
		EventRate:     appConfig.EventRatePerSecond,
		EventBurst:    appConfig.EventBurst,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Resolver:          resolver,
		Tokens:            tokens,
		Users:             userService,
		Posts:             postService,
		Locks:             lockManager,
		Notifications:     notificationService,
		Chat:              chatService,
		Dispatcher:        dispatcher,
		Sockets:           sockets,
		CookieName:        appConfig.CookieName,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		HTTPRate:          appConfig.HTTPRatePerSecond,
		HTTPBurst:         appConfig.HTTPBurst,
		ServiceName:       appConfig.OTelServiceName,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	go lockManager.RunJanitor(signalCtx, appConfig.LockSweepInterval)

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("relay", relay.Mode(publisher)),
			zap.Duration("lock_ttl", lockManager.TTL()),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if mirror != nil {
			mirror.Close()
			select {
			case <-mirror.Done():
			case <-shutdownCtx.Done():
				logger.Warn("relay drain timed out")
			}
		}
		return err
	case err := <-errCh:
		return err
	}
}
