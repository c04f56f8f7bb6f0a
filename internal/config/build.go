package config

import (
	"io"
	"log"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/orchestrator"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/push"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/queue"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/reconcile"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/rowstore"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/syncer"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/transport"
)

// SyncerConfig maps the settings onto a synchronizer configuration whose
// loggers write to w.
func (c *Config) SyncerConfig(w io.Writer) *syncer.Config {
	sc := syncer.DefaultConfig()

	sc.Flush = queue.DefaultConfig()
	sc.Flush.Debounce = c.Sync.Debounce
	sc.Flush.MaxAttempts = c.Sync.MaxWriteAttempts
	sc.Flush.Logger = c.Logger(w, "[flush] ")

	sc.Reconcile = reconcile.DefaultConfig()
	sc.Reconcile.RateLimitCooldown = c.Sync.RateLimitCooldown
	sc.Reconcile.Logger = c.Logger(w, "[reconcile] ")

	sc.Transport = transport.DefaultConfig()
	sc.Transport.PollInterval = c.Sync.PollInterval
	sc.Transport.PushEnabled = c.Push.Enabled
	sc.Transport.BaseDelay = c.Push.BaseDelay
	sc.Transport.MaxDelay = c.Push.MaxDelay
	sc.Transport.MaxReconnectAttempts = c.Push.MaxReconnectAttempts
	sc.Transport.MaxSetupAttempts = c.Push.MaxSetupAttempts
	sc.Transport.Logger = c.Logger(w, "[transport] ")

	sc.Orchestrator = orchestrator.DefaultConfig()
	sc.Orchestrator.WriteDeadline = c.Sync.WriteDeadline
	sc.Orchestrator.PendingIndicator = c.Sync.PendingIndicator
	sc.Orchestrator.Logger = c.Logger(w, "[move] ")
	sc.Orchestrator.Notifier = orchestrator.LogNotifier{Logger: sc.Orchestrator.Logger}

	sc.CachePath = c.Cache.Path
	sc.OptionsFile = c.Options.File
	sc.Logger = c.Logger(w, "[sync] ")
	return sc
}

// ClientConfig returns row store client settings logging to w.
func (c *Config) ClientConfig(w io.Writer) *rowstore.ClientConfig {
	cc := rowstore.DefaultClientConfig()
	cc.Logger = c.Logger(w, "[rowstore] ")
	return cc
}

// PushURL returns push.url, or the hub URL derived from api.base_url.
func (c *Config) PushURL() (string, error) {
	if c.Push.URL != "" {
		return c.Push.URL, nil
	}
	return push.URLFromBase(c.API.BaseURL)
}

// RowStoreServerConfig returns the settings for `sheetsync serve`.
func (c *Config) RowStoreServerConfig(w io.Writer) rowstore.ServerConfig {
	sc := rowstore.DefaultServerConfig()
	sc.JWTSecret = c.Server.JWTSecret
	sc.Audience = c.Server.Audience
	sc.RateLimitMax = c.Server.RateLimitMax
	if c.Server.RateLimitWindow > 0 {
		sc.RateLimitWindow = c.Server.RateLimitWindow
	}
	sc.WriteDelay = c.Server.WriteDelay
	// Request logs are the main output of serve, so verbose is not consulted.
	sc.Logger = log.New(w, "[rowstore] ", log.LstdFlags)
	hub := push.DefaultHubConfig()
	hub.Logger = sc.Logger
	sc.Hub = hub
	return sc
}
