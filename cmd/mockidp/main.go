// Command mockidp serves a development identity provider with a few demo
// accounts, for trying the session CLI end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/go-authgate/session-cli/mockidp"
)

type demoAccount struct {
	username string
	password string
	user     mockidp.User
}

var demoAccounts = []demoAccount{
	{"admin", "admin123", mockidp.User{
		Name: "Ada Admin",
		Role: "admin",
		Capabilities: map[string]bool{
			"orders.read": true, "orders.refund": true, "users.read": true, "users.ban": true,
		},
	}},
	{"support", "support123", mockidp.User{
		Name:         "Sam Support",
		Role:         "support",
		Capabilities: map[string]bool{"orders.read": true, "users.read": true, "orders.refund": false},
	}},
	{"auditor", "auditor123", mockidp.User{
		Name:         "Otto Auditor",
		Role:         "auditor",
		Capabilities: map[string]bool{"orders.read": true},
		OTP:          "246810",
	}},
	{"locked", "locked123", mockidp.User{Name: "Lou Locked", Role: "support", Locked: true}},
}

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", getEnv("MOCKIDP_ADDR", ":8080"), "listen address")
	clientID := flag.String("client-id", getEnv("CLIENT_ID", ""), "accepted client id (generated when empty)")
	accessTTL := flag.Duration("access-ttl", 2*time.Minute, "access credential lifetime")
	refreshTTL := flag.Duration("refresh-ttl", mockidp.DefaultRefreshTTL, "refresh credential lifetime")
	fixed := flag.Bool("fixed-refresh", false, "do not rotate refresh credentials")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if *clientID == "" {
		*clientID = uuid.NewString()
	}

	if err := run(log, *addr, *clientID, *accessTTL, *refreshTTL, !*fixed); err != nil {
		log.Fatal().Err(err).Msg("mockidp stopped")
	}
}

func run(log zerolog.Logger, addr, clientID string, accessTTL, refreshTTL time.Duration, rotate bool) error {
	p := mockidp.New(
		mockidp.WithClientID(clientID),
		mockidp.WithAccessTTL(accessTTL),
		mockidp.WithRefreshTTL(refreshTTL),
		mockidp.WithRotation(rotate),
		mockidp.WithLogger(log),
	)
	for _, a := range demoAccounts {
		if err := p.AddUser(a.username, a.password, a.user); err != nil {
			return fmt.Errorf("failed to add %s: %w", a.username, err)
		}
	}

	figure.NewFigure("mockidp", "cybermedium", true).Print()
	fmt.Println()
	log.Info().
		Str("addr", addr).
		Str("client_id", clientID).
		Dur("access_ttl", accessTTL).
		Bool("rotation", rotate).
		Msg("identity provider ready")
	for _, a := range demoAccounts {
		log.Info().Str("username", a.username).Str("password", a.password).Msg("demo account")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := p.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
