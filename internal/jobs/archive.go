package jobs

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/syphar/crates.io/internal/store"
)

// Per-day download counts older than this are moved to storage.
const downloadsRetention = 90 * 24 * time.Hour

const dateLayout = "2006-01-02"

// VersionDownloadsArchivePath is the storage key of one day's export.
func VersionDownloadsArchivePath(day time.Time) string {
	return "archive/version-downloads/" + day.Format(dateLayout) + ".csv"
}

// archiveVersionDownloads writes one CSV per day and deletes the exported
// rows. Uploads happen inside the store transaction, so a crash before
// commit leaves the rows in place and the rerun overwrites the same files.
func archiveVersionDownloads(ctx context.Context, job ArchiveVersionDownloadsJob, env Env) error {
	log := env.Log().With("job", NameArchiveVersionDownloads)

	cutoff, err := archiveCutoff(job.Before, env.Clock())
	if err != nil {
		return err
	}

	n, err := env.Store.ArchiveVersionDownloads(ctx, cutoff, func(rows []store.VersionDownload) error {
		for _, day := range groupByDay(rows) {
			body, err := renderDownloadsCSV(day)
			if err != nil {
				return err
			}
			key := VersionDownloadsArchivePath(day[0].Date)
			if err := env.Storage.Put(ctx, key, "text/csv", body); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info("version downloads archived", "before", cutoff.Format(dateLayout), "rows", n)
	return nil
}

func archiveCutoff(before string, now time.Time) (time.Time, error) {
	if before == "" {
		return now.UTC().Add(-downloadsRetention).Truncate(24 * time.Hour), nil
	}
	t, err := time.Parse(dateLayout, before)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid before date %q: %w", before, err)
	}
	return t, nil
}

// groupByDay splits rows, which arrive ordered by date, into per-day runs.
func groupByDay(rows []store.VersionDownload) [][]store.VersionDownload {
	var days [][]store.VersionDownload
	start := 0
	for i := 1; i <= len(rows); i++ {
		if i == len(rows) || !rows[i].Date.Equal(rows[start].Date) {
			days = append(days, rows[start:i])
			start = i
		}
	}
	return days
}

func renderDownloadsCSV(rows []store.VersionDownload) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	records := make([][]string, 0, len(rows)+1)
	records = append(records, []string{"crate", "version", "date", "downloads"})
	for _, r := range rows {
		records = append(records, []string{
			r.CrateName,
			r.Version,
			r.Date.Format(dateLayout),
			strconv.FormatInt(int64(r.Downloads), 10),
		})
	}
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("render downloads csv: %w", err)
	}
	return buf.Bytes(), nil
}
