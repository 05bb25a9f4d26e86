package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/callkit/internal/adapters/httpgw"
	"github.com/carebridge/callkit/internal/adapters/rtc"
	"github.com/carebridge/callkit/internal/app"
	"github.com/carebridge/callkit/internal/call"
	"github.com/carebridge/callkit/internal/config"
	"github.com/carebridge/callkit/internal/domain"
	"github.com/carebridge/callkit/internal/media"
	sig "github.com/carebridge/callkit/internal/signal"
	"github.com/carebridge/callkit/internal/token"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	self, err := domain.NewUser(domain.UserID(cfg.UserID), cfg.UserName, domain.Role(cfg.UserRole))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid user identity")
	}

	tokens := token.NewClient(cfg.ServerURL, cfg.TokenTimeout)

	launcher := app.NewLauncher(tokens, func() (media.Transport, error) {
		return rtc.New(cfg.ServerURL, cfg.AuthToken, cfg.TokenTimeout)
	}, nil, media.Options{
		AppID:           cfg.AppID,
		TokenRetries:    cfg.TokenRetries,
		TokenRetryDelay: cfg.TokenRetryDelay,
	})

	sess := call.NewSession(*self, launcher, nil, cfg.RingTimeout)

	wsURL := wsEndpoint(cfg.ServerURL, cfg.SignalPath)
	client, err := sig.Dial(ctx, wsURL, cfg.AuthToken, *self, sess)
	if err != nil {
		log.Fatal().Str("url", wsURL).Err(err).Msg("signaling dial failed")
	}
	sess.Bind(client)

	r := httpgw.SetupRouter(cfg, sess, launcher)
	addr := fmt.Sprintf(":%d", cfg.GatewayPort)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user", string(self.ID)).Msg("callkit gateway started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	launcher.LeaveCurrent()
	sess.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Exited gracefully")
}

// wsEndpoint rewrites the REST base into the websocket signaling URL.
func wsEndpoint(serverURL, path string) string {
	base := serverURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}
