package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/push"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/rowstore"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/syncer"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/transport"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/ui"
)

// requestTimeout bounds one-shot commands.
const requestTimeout = 30 * time.Second

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newClient() *rowstore.HTTPClient {
	client, err := rowstore.NewHTTPClient(cfg.API.BaseURL, cfg.API.Token, cfg.ClientConfig(logOut))
	if err != nil {
		fatal("%v", err)
	}
	return client
}

// openSync builds and starts a synchronizer and waits for the first
// snapshot. withPush follows push.enabled; one-shot commands pass false.
func openSync(ctx context.Context, withPush bool, tweak func(*syncer.Config)) *syncer.Synchronizer {
	client := newClient()
	sc := cfg.SyncerConfig(logOut)
	sc.Transport.PushEnabled = withPush && cfg.Push.Enabled

	var channel transport.Channel
	var enabler transport.PushEnabler
	if sc.Transport.PushEnabled {
		wsURL, err := cfg.PushURL()
		if err != nil {
			fatal("%v", err)
		}
		d := push.NewDialer(wsURL, cfg.API.Token)
		d.Logger = cfg.Logger(logOut, "[push] ")
		channel, enabler = d, client
	}
	if tweak != nil {
		tweak(sc)
	}

	s, err := syncer.New(client, channel, enabler, sc)
	if err != nil {
		fatal("%v", err)
	}
	if err := s.Start(ctx); err != nil {
		fatal("%v", err)
	}
	if _, err := s.Refresh(ctx); err != nil {
		s.Stop()
		fatal("failed to load rows: %v", err)
	}
	return s
}

func requireRecord(s *syncer.Synchronizer, id string) {
	if _, ok := s.Store().Get(id); !ok {
		s.Stop()
		fatal("row %s not found", id)
	}
}

func passMark() string { return ui.RenderPass("✓") }
func warnMark() string { return ui.RenderWarn("⚠") }
func failMark() string { return ui.RenderFail("✗") }
