// ABOUTME: Registry queries used by job bodies: feed updates, default versions, owners, download archives.
// ABOUTME: The registry schema is owned elsewhere; only the columns jobs touch are read here.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/mod/semver"
)

// ErrCrateNotFound is returned when a crate id or name does not exist.
var ErrCrateNotFound = errors.New("crate not found")

// VersionUpdate is one published version, as shown in the updates feed.
type VersionUpdate struct {
	Name        string
	Version     string
	Description *string
	CreatedAt   time.Time
}

const versionUpdatesSelect = `
SELECT c.name, v.num, c.description, v.created_at
FROM versions v
JOIN crates c ON c.id = v.crate_id`

// LoadVersionUpdates returns every version published after since, newest
// first. If that is fewer than limit versions, the newest limit versions
// are returned instead.
func (s *Store) LoadVersionUpdates(ctx context.Context, since time.Time, limit int) ([]VersionUpdate, error) {
	updates, err := s.queryVersionUpdates(ctx,
		versionUpdatesSelect+` WHERE v.created_at > $1 ORDER BY v.created_at DESC, v.id DESC`, since)
	if err != nil {
		return nil, err
	}
	if len(updates) >= limit {
		return updates, nil
	}
	return s.queryVersionUpdates(ctx,
		versionUpdatesSelect+` ORDER BY v.created_at DESC, v.id DESC LIMIT $1`, limit)
}

func (s *Store) queryVersionUpdates(ctx context.Context, query string, args ...any) ([]VersionUpdate, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load version updates: %w", err)
	}
	updates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (VersionUpdate, error) {
		var u VersionUpdate
		err := row.Scan(&u.Name, &u.Version, &u.Description, &u.CreatedAt)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("load version updates: %w", err)
	}
	return updates, nil
}

// VersionCandidate is a version considered when choosing a crate's default.
type VersionCandidate struct {
	ID     int64
	Num    string
	Yanked bool
}

// PickDefaultVersion chooses the version a crate page should show: the
// highest stable non-yanked release, else the highest non-yanked
// prerelease, else the highest yanked version. Unparseable version
// numbers sort below every valid one.
func PickDefaultVersion(candidates []VersionCandidate) (VersionCandidate, bool) {
	if len(candidates) == 0 {
		return VersionCandidate{}, false
	}
	rank := func(c VersionCandidate) int {
		v := "v" + c.Num
		switch {
		case !semver.IsValid(v):
			return 0
		case c.Yanked:
			return 1
		case semver.Prerelease(v) != "":
			return 2
		default:
			return 3
		}
	}
	sorted := append([]VersionCandidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rank(sorted[i]), rank(sorted[j])
		if ri != rj {
			return ri > rj
		}
		if c := semver.Compare("v"+sorted[i].Num, "v"+sorted[j].Num); c != 0 {
			return c > 0
		}
		return sorted[i].ID > sorted[j].ID
	})
	return sorted[0], true
}

// UpdateDefaultVersion recomputes and stores the default version of
// crateID using db, which may be the caller's transaction. Returns the
// chosen version number, or "" when the crate has no versions.
func UpdateDefaultVersion(ctx context.Context, db DBTX, crateID int64) (string, error) {
	rows, err := db.Query(ctx,
		`SELECT id, num, yanked FROM versions WHERE crate_id = $1`, crateID)
	if err != nil {
		return "", fmt.Errorf("update default version: %w", err)
	}
	candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (VersionCandidate, error) {
		var c VersionCandidate
		err := row.Scan(&c.ID, &c.Num, &c.Yanked)
		return c, err
	})
	if err != nil {
		return "", fmt.Errorf("update default version: %w", err)
	}

	best, ok := PickDefaultVersion(candidates)
	if !ok {
		if _, err := db.Exec(ctx, `DELETE FROM default_versions WHERE crate_id = $1`, crateID); err != nil {
			return "", fmt.Errorf("update default version: clear: %w", err)
		}
		return "", nil
	}

	if _, err := db.Exec(ctx, `
		INSERT INTO default_versions (crate_id, version_id) VALUES ($1, $2)
		ON CONFLICT (crate_id) DO UPDATE SET version_id = EXCLUDED.version_id
		WHERE default_versions.version_id IS DISTINCT FROM EXCLUDED.version_id`,
		crateID, best.ID); err != nil {
		return "", fmt.Errorf("update default version: upsert: %w", err)
	}
	return best.Num, nil
}

// CrateName returns the name of crateID using db.
func CrateName(ctx context.Context, db DBTX, crateID int64) (string, error) {
	var name string
	err := db.QueryRow(ctx, `SELECT name FROM crates WHERE id = $1`, crateID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("crate %d: %w", crateID, ErrCrateNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("crate %d: %w", crateID, err)
	}
	return name, nil
}

// CrateCard is what the OpenGraph image shows for a crate.
type CrateCard struct {
	Name           string
	Description    string
	DefaultVersion string
}

// CrateCard loads the crate named name and its default version number.
func (s *Store) CrateCard(ctx context.Context, name string) (*CrateCard, error) {
	var (
		card        CrateCard
		description *string
		defaultNum  *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT c.name, c.description, v.num
		FROM crates c
		LEFT JOIN default_versions dv ON dv.crate_id = c.id
		LEFT JOIN versions v ON v.id = dv.version_id
		WHERE c.name = $1`, name).Scan(&card.Name, &description, &defaultNum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("crate %q: %w", name, ErrCrateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("crate card %q: %w", name, err)
	}
	if description != nil {
		card.Description = *description
	}
	if defaultNum != nil {
		card.DefaultVersion = *defaultNum
	}
	return &card, nil
}

// PublishedVersion is a freshly published version and the owners to notify.
type PublishedVersion struct {
	CrateName  string
	Version    string
	Publisher  string
	Recipients []string
}

// PublishedVersion loads versionID and the email addresses of owners of its
// crate who have publish notifications enabled.
func (s *Store) PublishedVersion(ctx context.Context, versionID int64) (*PublishedVersion, error) {
	var (
		pv        PublishedVersion
		crateID   int64
		publisher *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT c.id, c.name, v.num, u.login
		FROM versions v
		JOIN crates c ON c.id = v.crate_id
		LEFT JOIN users u ON u.id = v.published_by
		WHERE v.id = $1`, versionID).Scan(&crateID, &pv.CrateName, &pv.Version, &publisher)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("version %d: %w", versionID, ErrCrateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("published version %d: %w", versionID, err)
	}
	if publisher != nil {
		pv.Publisher = *publisher
	}

	rows, err := s.pool.Query(ctx, `
		SELECT u.email
		FROM crate_owners o
		JOIN users u ON u.id = o.user_id
		WHERE o.crate_id = $1 AND u.publish_notifications AND u.email IS NOT NULL AND u.email <> ''
		ORDER BY u.email`, crateID)
	if err != nil {
		return nil, fmt.Errorf("published version %d: owners: %w", versionID, err)
	}
	pv.Recipients, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("published version %d: owners: %w", versionID, err)
	}
	return &pv, nil
}

// VersionDownload is one archived (version, day) download count.
type VersionDownload struct {
	VersionID int64
	CrateName string
	Version   string
	Date      time.Time
	Downloads int32
}

// ArchiveVersionDownloads hands every version_downloads row dated before
// cutoff to export and deletes those rows once export returns nil. Runs in
// one transaction, so a failed export leaves the table untouched. Returns
// the number of rows archived.
func (s *Store) ArchiveVersionDownloads(ctx context.Context, cutoff time.Time, export func([]VersionDownload) error) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT d.version_id, c.name, v.num, d.date, d.downloads
			FROM version_downloads d
			JOIN versions v ON v.id = d.version_id
			JOIN crates c ON c.id = v.crate_id
			WHERE d.date < $1
			ORDER BY d.date, c.name, v.num
			FOR UPDATE OF d`, cutoff)
		if err != nil {
			return err
		}
		downloads, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (VersionDownload, error) {
			var d VersionDownload
			err := row.Scan(&d.VersionID, &d.CrateName, &d.Version, &d.Date, &d.Downloads)
			return d, err
		})
		if err != nil {
			return err
		}
		if len(downloads) == 0 {
			return nil
		}
		if err := export(downloads); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		// Only the exported keys are deleted; rows committed after the
		// SELECT stay for the next run.
		versionIDs := make([]int64, len(downloads))
		dates := make([]time.Time, len(downloads))
		for i, d := range downloads {
			versionIDs[i], dates[i] = d.VersionID, d.Date
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM version_downloads d
			USING unnest($1::bigint[], $2::date[]) AS k(version_id, date)
			WHERE d.version_id = k.version_id AND d.date = k.date`, versionIDs, dates); err != nil {
			return err
		}
		n = len(downloads)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive version downloads: %w", err)
	}
	return n, nil
}
