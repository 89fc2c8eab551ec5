// Package jobs contains the background job bodies and their registration.
//
// Every body must tolerate running more than once: a job that crashed
// after applying part of its effects is retried from the start.
package jobs

import (
	"strconv"

	"github.com/syphar/crates.io/internal/environment"
	"github.com/syphar/crates.io/internal/worker"
)

// Env is the shared context every job receives.
type Env = *environment.Environment

// Job type names. These are persisted in background_jobs.job_type and must
// never be renamed.
const (
	NameSyncUpdatesFeed         = "sync_updates_feed"
	NameUpdateDefaultVersion    = "update_default_version"
	NameGenerateOgImage         = "generate_og_image"
	NameInvalidateCdns          = "invalidate_cdns"
	NameSendPublishNotification = "send_publish_notification"
	NameDocsRsQueueRebuild      = "docs_rs_queue_rebuild"
	NameArchiveVersionDownloads = "archive_version_downloads"
)

// QueueDownloads serializes the large download archive exports.
const QueueDownloads = "downloads"

// SyncUpdatesFeedJob regenerates the "recent updates" RSS feed.
type SyncUpdatesFeedJob struct{}

// UpdateDefaultVersionJob recomputes the default version of a crate.
type UpdateDefaultVersionJob struct {
	CrateID int64 `json:"crate_id"`
}

// GenerateOgImageJob renders the OpenGraph card of a crate.
type GenerateOgImageJob struct {
	CrateName string `json:"crate_name"`
}

// InvalidateCdnsJob purges paths from the CDN.
type InvalidateCdnsJob struct {
	Paths []string `json:"paths"`
}

// SendPublishNotificationJob emails crate owners about a new version.
type SendPublishNotificationJob struct {
	VersionID int64 `json:"version_id"`
}

// DocsRsQueueRebuildJob asks docs.rs to rebuild one version's docs.
type DocsRsQueueRebuildJob struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ArchiveVersionDownloadsJob exports and removes old per-day download counts.
type ArchiveVersionDownloadsJob struct {
	// Before is an optional YYYY-MM-DD cutoff; rows dated earlier are
	// archived. Empty means 90 days ago.
	Before string `json:"before,omitempty"`
}

var (
	SyncUpdatesFeed = worker.NewDefinition(NameSyncUpdatesFeed, syncUpdatesFeed,
		worker.Deduplicated())

	UpdateDefaultVersion = worker.NewDefinition(NameUpdateDefaultVersion, updateDefaultVersion,
		worker.WithPriority(80)).
		WithDedupKey(func(j UpdateDefaultVersionJob) string { return strconv.FormatInt(j.CrateID, 10) })

	GenerateOgImage = worker.NewDefinition(NameGenerateOgImage, generateOgImage,
		worker.Deduplicated())

	InvalidateCdns = worker.NewDefinition(NameInvalidateCdns, invalidateCdns)

	SendPublishNotification = worker.NewDefinition(NameSendPublishNotification, sendPublishNotification)

	DocsRsQueueRebuild = worker.NewDefinition(NameDocsRsQueueRebuild, docsRsQueueRebuild,
		worker.Deduplicated())

	ArchiveVersionDownloads = worker.NewDefinition(NameArchiveVersionDownloads, archiveVersionDownloads,
		worker.WithQueue(QueueDownloads), worker.Deduplicated())
)

// RegisterAll adds every job type to reg.
func RegisterAll(reg *worker.Registry[Env]) error {
	for _, register := range []func() error{
		func() error { return worker.Register(reg, SyncUpdatesFeed) },
		func() error { return worker.Register(reg, UpdateDefaultVersion) },
		func() error { return worker.Register(reg, GenerateOgImage) },
		func() error { return worker.Register(reg, InvalidateCdns) },
		func() error { return worker.Register(reg, SendPublishNotification) },
		func() error { return worker.Register(reg, DocsRsQueueRebuild) },
		func() error { return worker.Register(reg, ArchiveVersionDownloads) },
	} {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry with every job type registered.
func NewRegistry() (*worker.Registry[Env], error) {
	reg := worker.NewRegistry[Env]()
	if err := RegisterAll(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
