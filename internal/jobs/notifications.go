package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/syphar/crates.io/internal/docsrs"
	"github.com/syphar/crates.io/internal/email"
	"github.com/syphar/crates.io/internal/store"
)

func invalidateCdns(ctx context.Context, job InvalidateCdnsJob, env Env) error {
	if len(job.Paths) == 0 {
		return nil
	}
	if err := env.CDN.Invalidate(ctx, job.Paths...); err != nil {
		return err
	}
	env.Log().Info("CDN paths invalidated", "job", NameInvalidateCdns, "paths", len(job.Paths))
	return nil
}

// sendPublishNotification emails every opted-in owner. A retry after a
// partial failure resends to all recipients.
func sendPublishNotification(ctx context.Context, job SendPublishNotificationJob, env Env) error {
	log := env.Log().With("job", NameSendPublishNotification, "version_id", job.VersionID)

	pv, err := env.Store.PublishedVersion(ctx, job.VersionID)
	if errors.Is(err, store.ErrCrateNotFound) {
		log.Info("version no longer exists; skipping notification")
		return nil
	}
	if err != nil {
		return err
	}
	if len(pv.Recipients) == 0 {
		log.Debug("no owners opted in to publish notifications")
		return nil
	}

	msg := publishMessage(env.DomainName, pv)
	var errs []error
	for _, to := range pv.Recipients {
		m := msg
		m.To = to
		if err := env.Mailer.Send(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("send publish notification for %s@%s: %w", pv.CrateName, pv.Version, err)
	}

	log.Info("publish notification sent", "crate", pv.CrateName, "version", pv.Version, "recipients", len(pv.Recipients))
	return nil
}

func publishMessage(domain string, pv *store.PublishedVersion) email.Message {
	publisher := pv.Publisher
	if publisher == "" {
		publisher = "an unknown user"
	}
	return email.Message{
		Subject: fmt.Sprintf("crates.io: Successfully published %s@%s", pv.CrateName, pv.Version),
		TextBody: fmt.Sprintf(`Hello!

A new version of the package %s (%s) was published by %s.

If you have questions or security concerns, you can contact us at help@%s.
To stop receiving these messages, update your email notification settings at https://%s/settings/profile.
`, pv.CrateName, pv.Version, publisher, domain, domain),
	}
}

func docsRsQueueRebuild(ctx context.Context, job DocsRsQueueRebuildJob, env Env) error {
	log := env.Log().With("job", NameDocsRsQueueRebuild, "crate", job.Name, "version", job.Version)

	err := env.DocsRs.Rebuild(ctx, job.Name, job.Version)
	switch {
	case errors.Is(err, docsrs.ErrNotConfigured):
		log.Warn("docs.rs is not configured; skipping rebuild")
		return nil
	case errors.Is(err, docsrs.ErrCrateNotFound):
		log.Warn("docs.rs does not know this version; skipping rebuild")
		return nil
	case err != nil:
		return err
	}
	log.Info("docs.rs rebuild queued")
	return nil
}
