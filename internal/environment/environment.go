// ABOUTME: Shared execution context handed to every job: store, storage, CDN, docs.rs and email clients.
// ABOUTME: Built once per runner from config; read-only afterwards and safe to share across worker slots.
package environment

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/syphar/crates.io/internal/cdn"
	"github.com/syphar/crates.io/internal/config"
	"github.com/syphar/crates.io/internal/docsrs"
	"github.com/syphar/crates.io/internal/email"
	"github.com/syphar/crates.io/internal/httpclient"
	"github.com/syphar/crates.io/internal/storage"
	"github.com/syphar/crates.io/internal/store"
)

// Environment bundles the collaborators job bodies use. Fields are set at
// construction and never mutated, so one *Environment is shared by all slots.
type Environment struct {
	Store   *store.Store
	Storage storage.Storage
	CDN     cdn.Invalidator
	DocsRs  docsrs.Rebuilder
	Mailer  email.Mailer
	Logger  *slog.Logger

	// DomainName is the public web domain, used to build links.
	DomainName string

	// Now is the job clock. Defaults to time.Now.
	Now func() time.Time
}

// New builds an Environment from cfg around an open store.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Environment, error) {
	if logger == nil {
		logger = slog.Default()
	}

	files, err := storage.NewFS(cfg.StorageDir, cfg.StorageBaseURL)
	if err != nil {
		return nil, fmt.Errorf("build environment: %w", err)
	}

	client := httpclient.New(cfg.HTTPClientTimeout)

	var invalidator cdn.Invalidator = cdn.Noop{Logger: logger}
	if cfg.FastlyAPIToken != "" {
		invalidator = cdn.NewFastly(client, cdn.FastlyConfig{
			APIBaseURL: cfg.FastlyAPIBaseURL,
			APIToken:   cfg.FastlyAPIToken,
			Domain:     cfg.FastlyStaticDomain,
		})
	} else {
		logger.Info("FASTLY_API_TOKEN not set; CDN invalidation disabled")
	}

	return &Environment{
		Store:   st,
		Storage: files,
		CDN:     invalidator,
		DocsRs:  docsrs.New(client, cfg.DocsRsBaseURL, cfg.DocsRsAPIToken, cfg.DocsRsRateLimit),
		Mailer: email.NewSMTP(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		}),
		Logger:     logger,
		DomainName: cfg.DomainName,
		Now:        time.Now,
	}, nil
}

// Clock returns e.Now, falling back to time.Now.
func (e *Environment) Clock() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Log returns e.Logger, falling back to slog.Default().
func (e *Environment) Log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
