package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/idp"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/store"
	"github.com/go-authgate/session-cli/tui"
)

// Timeout configuration for different operations
const (
	redisPingTimeout = 5 * time.Second
	renewTimeout     = 20 * time.Second
	apiCallTimeout   = 15 * time.Second
)

// app binds one session manager to the displayer of the running command.
type app struct {
	cfg      config
	d        tui.Displayer
	log      zerolog.Logger
	manager  *session.Manager
	location string

	// terminated receives the cause when the session ends other than by logout.
	terminated chan error
}

// newApp builds the backend, provider client and session manager for c.
func newApp(ctx context.Context, c config, d tui.Displayer, logger zerolog.Logger) (*app, error) {
	backend, location, err := newBackend(ctx, c, logger)
	if err != nil {
		return nil, err
	}

	provider, err := idp.New(c.ServerURL, c.ClientID,
		idp.WithLogger(logger.With().Str("component", "idp").Logger()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity provider client: %w", err)
	}

	a := &app{
		cfg:        c,
		d:          d,
		log:        logger,
		location:   location,
		terminated: make(chan error, 1),
	}

	st := store.New(backend, store.WithLogger(logger.With().Str("component", "store").Logger()))
	a.manager = session.New(st, provider,
		session.WithLogger(logger),
		session.WithClientID(c.ClientID),
		session.WithRefreshMargin(c.RefreshMargin),
		session.WithOnTerminated(a.onTerminated),
	)
	return a, nil
}

// newBackend returns the configured store backend and a human-readable location.
func newBackend(ctx context.Context, c config, logger zerolog.Logger) (store.Backend, string, error) {
	switch c.Store {
	case backendRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, "", fmt.Errorf("failed to connect to redis at %s: %w", c.RedisAddr, err)
		}
		return store.NewRedisBackend(client, c.RedisPrefix), "redis://" + c.RedisAddr + "/" + c.RedisPrefix, nil

	case backendMemory:
		return store.NewMemoryBackend(0), "memory", nil

	case backendFile, "":
		b := store.NewFileBackend(c.TokenFile, c.ClientID,
			store.WithFileLogger(logger.With().Str("component", "store").Logger()),
		)
		return b, b.Path(), nil

	default:
		return nil, "", fmt.Errorf("unknown session store %q", c.Store)
	}
}

func (a *app) onTerminated(err error) {
	if errors.Is(err, session.ErrLoggedOut) {
		return
	}
	a.d.SessionTerminated(err)
	select {
	case a.terminated <- err:
	default:
	}
}

// info describes the current session for the displayer.
func (a *app) info() (tui.SessionInfo, bool) {
	sess, ok := a.manager.Store().Session()
	if !ok {
		return tui.SessionInfo{Scheduler: a.manager.SchedulerState().String()}, false
	}

	info := tui.SessionInfo{
		SessionID:    sess.ID,
		UserID:       sess.Identity.UserID,
		Name:         sess.Identity.Name,
		Role:         sess.Identity.Role,
		Capabilities: slices.Sorted(maps.Keys(sess.Capabilities)),
		Access:       credential.Fingerprint(sess.AccessToken),
		Valid:        credential.IsValid(sess.AccessToken),
		ExpiresAt:    sess.ExpiresAt,
		Scheduler:    a.manager.SchedulerState().String(),
	}
	if at, ok := a.manager.NextRenewal(); ok {
		info.NextRenewal = at
	}
	return info, true
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// newLogger builds the process logger. With a TTY and no log file the TUI owns
// stderr, so logging is discarded.
func newLogger(c config, tty bool) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	switch {
	case c.LogFile != "":
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Nop(), func() {}, fmt.Errorf("failed to open log file: %w", err)
		}
		logger := zerolog.New(f).Level(level).With().Timestamp().Logger()
		return logger, func() { _ = f.Close() }, nil
	case tty:
		return zerolog.Nop(), func() {}, nil
	default:
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
		return zerolog.New(w).Level(level).With().Timestamp().Logger(), func() {}, nil
	}
}

func main() {
	initConfig()
	args := flag.Args()

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr := run(d, args, true)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := run(d, args, false); err != nil {
			os.Exit(1)
		}
	}
}

func run(d tui.Displayer, args []string, tty bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog, err := newLogger(cfg, tty)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer closeLog()

	a, err := newApp(ctx, cfg, d, logger)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer func() {
		if err := a.manager.Teardown(); err != nil {
			logger.Warn().Err(err).Msg("failed to release session store")
		}
	}()

	return a.execute(ctx, args)
}
