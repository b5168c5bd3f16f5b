package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-authgate/session-cli/guard"
	"github.com/go-authgate/session-cli/idp"
	"github.com/go-authgate/session-cli/store"
)

// maxBodyPreview bounds how much of an API response is shown.
const maxBodyPreview = 64 << 10

// errAPIStatus is returned by call for non-2xx responses.
var errAPIStatus = errors.New("unexpected API status")

const usage = `usage: session-cli [flags] <command> [args]

commands:
  login   -username <u> -password <p> [-otp <code>]   start a session
  logout                                            end the session
  status                                            show the session (default)
  call    [-method M] [-data D] <path>              call the API with the session
  check   [-any] <capability>...                    evaluate capabilities
  watch   [-every 30s] [-path /api/me]              keep the session alive`

// execute dispatches args[0] to its command.
func (a *app) execute(ctx context.Context, args []string) error {
	cmd, rest := "status", []string(nil)
	if len(args) > 0 {
		cmd, rest = args[0], args[1:]
	}

	switch cmd {
	case "login":
		return a.login(ctx, rest)
	case "logout":
		return a.logout(ctx)
	case "status":
		return a.status(ctx)
	case "call":
		return a.call(ctx, rest)
	case "check":
		return a.check(ctx, rest)
	case "watch":
		return a.watch(ctx, rest)
	default:
		err := fmt.Errorf("unknown command %q\n%s", cmd, usage)
		a.d.Fatal(err)
		return err
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	username := fs.String("username", getEnv("AUTHGATE_USERNAME", ""), "account name (or AUTHGATE_USERNAME env)")
	password := fs.String("password", getEnv("AUTHGATE_PASSWORD", ""), "password (or AUTHGATE_PASSWORD env)")
	otp := fs.String("otp", getEnv("AUTHGATE_OTP", ""), "one-time code, when the account requires it")
	if err := fs.Parse(args); err != nil {
		a.d.Fatal(err)
		return err
	}
	if *username == "" || *password == "" {
		err := errors.New("username and password are required (-username/-password or AUTHGATE_USERNAME/AUTHGATE_PASSWORD)")
		a.d.Fatal(err)
		return err
	}

	a.d.LoggingIn(*username)
	_, err := a.manager.Login(ctx, idp.Proofs{
		Username: *username,
		Password: *password,
		OTP:      *otp,
	})
	switch {
	case err == nil:
		a.d.SessionSaved(a.location)
	case errors.Is(err, store.ErrPersist):
		a.d.SessionSaveFailed(err)
	default:
		a.d.LoginFailed(err)
		return err
	}

	info, _ := a.info()
	a.d.LoggedIn(info)
	if at, ok := a.manager.NextRenewal(); ok {
		a.d.RenewalScheduled(at)
	}
	a.d.Done(info)
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if _, err := a.resume(ctx); err != nil {
		return err
	}
	if err := a.manager.Logout(ctx); err != nil {
		a.d.Fatal(err)
		return err
	}
	a.d.LoggedOut()
	return nil
}

func (a *app) status(ctx context.Context) error {
	found, err := a.resume(ctx)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNoSession
	}
	if err := a.ensureValid(ctx); err != nil {
		return err
	}
	info, _ := a.info()
	a.d.Done(info)
	return nil
}

// call sends one request through the session's HTTP client. An expired access
// credential is left for the request pipeline to renew on the 401.
func (a *app) call(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	method := fs.String("method", http.MethodGet, "HTTP method")
	data := fs.String("data", "", "JSON request body")
	if err := fs.Parse(args); err != nil {
		a.d.Fatal(err)
		return err
	}
	if fs.NArg() != 1 {
		err := errors.New("call needs exactly one path argument")
		a.d.Fatal(err)
		return err
	}

	found, err := a.resume(ctx)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNoSession
	}

	status, body, err := a.doAPI(ctx, strings.ToUpper(*method), fs.Arg(0), *data)
	if err != nil {
		a.d.APICallFailed(err)
		return err
	}
	a.d.APICallOK(status, body)
	return nil
}

func (a *app) check(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	anyOf := fs.Bool("any", false, "allow when any capability is granted")
	if err := fs.Parse(args); err != nil {
		a.d.Fatal(err)
		return err
	}

	if _, err := a.resume(ctx); err != nil {
		return err
	}

	req := guard.RequireAll(fs.Args()...)
	if *anyOf {
		req = guard.RequireAny(fs.Args()...)
	}
	if err := a.manager.Guard().Require(req); err != nil {
		a.d.AccessDenied(req.String(), err)
		return err
	}
	a.d.AccessAllowed(req.String())
	return nil
}

// watch keeps the process alive so the proactive renewal runs, optionally
// calling the API on an interval, until interrupted or the session ends.
func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	every := fs.Duration("every", 0, "call the API on this interval (0 disables)")
	path := fs.String("path", "/api/me", "API path called on each interval")
	if err := fs.Parse(args); err != nil {
		a.d.Fatal(err)
		return err
	}

	found, err := a.resume(ctx)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNoSession
	}
	if err := a.ensureValid(ctx); err != nil {
		return err
	}

	a.manager.Store().Subscribe(func(ev store.Event, _ *store.Session) {
		if ev != store.EventSet {
			return
		}
		info, _ := a.info()
		a.d.Renewed(info)
		if at, ok := a.manager.NextRenewal(); ok {
			a.d.RenewalScheduled(at)
		}
	})
	if at, ok := a.manager.NextRenewal(); ok {
		a.d.RenewalScheduled(at)
	}

	var tick <-chan time.Time
	if *every > 0 {
		t := time.NewTicker(*every)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			info, _ := a.info()
			a.d.Done(info)
			return nil
		case err := <-a.terminated:
			return err
		case <-tick:
			status, body, err := a.doAPI(ctx, http.MethodGet, *path, "")
			if err != nil {
				a.d.APICallFailed(err)
				continue
			}
			a.d.APICallOK(status, body)
		}
	}
}

// resume restores the persisted session and reports it.
func (a *app) resume(ctx context.Context) (bool, error) {
	found, err := a.manager.Init(ctx)
	if err != nil {
		a.d.Fatal(err)
		return false, err
	}
	if !found {
		a.d.SessionNotFound()
		return false, nil
	}
	info, _ := a.info()
	a.d.SessionResumed(info)
	return true, nil
}

// ensureValid renews a resumed session whose access credential has expired.
// It joins the renewal the scheduler fires for the same session.
func (a *app) ensureValid(ctx context.Context) error {
	if a.manager.Store().IsValid() {
		return nil
	}

	renewCtx, cancel := context.WithTimeout(ctx, renewTimeout)
	defer cancel()

	if _, err := a.manager.Coordinator().Renew(renewCtx); err != nil {
		return err
	}
	info, _ := a.info()
	a.d.Renewed(info)
	return nil
}

// doAPI sends method path to the API and returns the status and body preview.
func (a *app) doAPI(ctx context.Context, method, path, data string) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()

	target := strings.TrimRight(a.cfg.APIURL, "/") + "/" + strings.TrimLeft(path, "/")

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	if data != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.manager.HTTPClient().Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	preview, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyPreview))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, "", fmt.Errorf("%w: %s: %s", errAPIStatus, resp.Status, strings.TrimSpace(string(preview)))
	}
	return resp.StatusCode, strings.TrimSpace(string(preview)), nil
}
