package jobs

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/syphar/crates.io/internal/store"
	"github.com/syphar/crates.io/internal/worker"
)

// updateDefaultVersion recomputes the crate's default version and, in the
// same transaction, queues a fresh OpenGraph image for it.
func updateDefaultVersion(ctx context.Context, job UpdateDefaultVersionJob, env Env) error {
	log := env.Log().With("job", NameUpdateDefaultVersion, "crate_id", job.CrateID)

	return env.Store.WithTx(ctx, func(tx pgx.Tx) error {
		num, err := store.UpdateDefaultVersion(ctx, tx, job.CrateID)
		if err != nil {
			return err
		}

		name, err := store.CrateName(ctx, tx, job.CrateID)
		if errors.Is(err, store.ErrCrateNotFound) {
			log.Info("crate no longer exists; nothing to update")
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := worker.Enqueue(ctx, store.NewTxEnqueuer(tx), GenerateOgImage, GenerateOgImageJob{CrateName: name}); err != nil {
			return err
		}

		log.Info("default version updated", "crate", name, "version", num)
		return nil
	})
}
