package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/livechat/internal/account"
	"github.com/Tyrowin/livechat/internal/hub"
	"github.com/Tyrowin/livechat/internal/identity"
	"github.com/Tyrowin/livechat/internal/server"
	"github.com/Tyrowin/livechat/internal/store"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:           "livechat",
		Short:         "Real-time chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load before reading the environment (default .env)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(envFiles)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	var (
		userID   string
		username string
		ttl      time.Duration
	)
	token := &cobra.Command{
		Use:   "token",
		Short: "Print a signed token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(envFiles)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			signed, err := identity.NewJWT([]byte(cfg.JWTSecret), cfg.JWTIssuer).
				Issue(identity.Identity{UserID: userID, Username: username}, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), signed)
			return err
		},
	}
	token.Flags().StringVar(&userID, "user-id", "", "user id claim")
	token.Flags().StringVar(&username, "username", "", "username claim")
	token.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default TOKEN_TTL)")
	_ = token.MarkFlagRequired("user-id")
	_ = token.MarkFlagRequired("username")

	root.AddCommand(serve, token)
	return root
}

func loadConfig(envFiles []string) (server.Config, error) {
	cfg, err := server.LoadConfig(envFiles...)
	if err != nil {
		return server.Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

// run wires every component and serves until SIGINT or SIGTERM. Deferred
// cleanups (the store in particular) run before it returns.
func run(parent context.Context, cfg server.Config) error {
	log := logs.GetLoggerFromString(cfg.LogLevel)

	backend, err := openBackend(parent, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing message store", "backend", cfg.StoreBackend)
		if err := backend.Close(); err != nil {
			log.Error("Failed to close message store", "error", err)
		}
	}()

	tokens := identity.NewJWT([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	accounts := account.NewService(log, backend, tokens, cfg.TokenTTL)
	router := hub.NewRouter(log, hub.NewRegistry(), backend, hub.Options{
		PersistTimeout:  cfg.PersistTimeout,
		MaxTextLength:   cfg.MaxTextLength,
		PrivateMessages: cfg.PrivateMessages,
		SingleSession:   cfg.SingleSessionPerUser,
	})
	srv := server.New(log, cfg, router, tokens, accounts, backend)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting livechat",
		"addr", cfg.Addr(),
		"backend", cfg.StoreBackend,
		"single_session", cfg.SingleSessionPerUser,
		"history_retention", cfg.HistoryRetention)

	if err := srv.Run(ctx, backend); err != nil {
		return err
	}
	log.Info("Program stopped cleanly")
	return nil
}

func openBackend(ctx context.Context, cfg server.Config, log *slog.Logger) (store.Backend, error) {
	switch cfg.StoreBackend {
	case server.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.AuthTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedis(client, cfg.RedisPrefix, log), nil
	default:
		backend, err := store.OpenBadger(cfg.BadgerPath, log)
		if err != nil {
			return nil, err
		}
		return backend, nil
	}
}
