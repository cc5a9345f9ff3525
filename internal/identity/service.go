package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calliohq/calliope/internal/platform"
)

// ErrConflict indicates a concurrent modification of an artist between
// resolve and commit. Callers retry the page with a fresh resolve.
var ErrConflict = errors.New("identity: concurrent artist modification")

// candidateLimit bounds how many artists a fuzzy candidate search returns.
const candidateLimit = 50

// Service is the artist repository: the sole writer of canonical artists,
// aliases, platform mappings and review items, and the owner of the atomic
// page commit that also advances sync checkpoints.
type Service struct {
	db *sql.DB
}

// NewService creates an identity service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetArtist retrieves an artist by ID, including its alias set.
// Returns nil when the artist does not exist.
func (s *Service) GetArtist(ctx context.Context, id string) (*Artist, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, normalized_name, isni, musicbrainz_id, version, created_at, reconciled_at
		FROM artists WHERE id = ?`, id)
	a, err := scanArtist(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting artist: %w", err)
	}
	if a.Aliases, err = s.artistAliases(ctx, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

// FindMapping retrieves the active mapping for (platform, external_id).
// Returns nil when no mapping exists.
func (s *Service) FindMapping(ctx context.Context, p platform.Name, externalID string) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, platform, external_id, artist_id, confidence, method, confirmed_at, created_at
		FROM platform_mappings WHERE platform = ? AND external_id = ?`, string(p), externalID)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding mapping: %w", err)
	}
	return m, nil
}

// FindMappingForArtist retrieves an artist's mapping on one platform.
// Returns nil when the artist has no mapping there.
func (s *Service) FindMappingForArtist(ctx context.Context, p platform.Name, artistID string) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, platform, external_id, artist_id, confidence, method, confirmed_at, created_at
		FROM platform_mappings WHERE platform = ? AND artist_id = ?`, string(p), artistID)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding mapping for artist: %w", err)
	}
	return m, nil
}

// FindByCrossReference retrieves an artist carrying the given ISNI or
// MusicBrainz ID, attached via any platform. Returns nil when no artist
// matches. ISNI takes precedence when both are present.
func (s *Service) FindByCrossReference(ctx context.Context, isni, musicBrainzID string) (*Artist, error) {
	lookup := func(column, value string) (*Artist, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, name, normalized_name, isni, musicbrainz_id, version, created_at, reconciled_at
			FROM artists WHERE `+column+` = ? LIMIT 1`, value) //nolint:gosec // G202: column is a static string chosen below
		a, err := scanArtist(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("finding artist by %s: %w", column, err)
		}
		return a, nil
	}

	if isni != "" {
		a, err := lookup("isni", isni)
		if err != nil || a != nil {
			return a, err
		}
	}
	if musicBrainzID != "" {
		return lookup("musicbrainz_id", musicBrainzID)
	}
	return nil, nil
}

// SearchCandidates retrieves artists whose name or aliases share at least
// one token with the given name, with every name each candidate is known by.
// This is the retrieval step for fuzzy matching; scoring happens in the
// resolver.
func (s *Service) SearchCandidates(ctx context.Context, name string) ([]Candidate, error) {
	tokens := Tokens(name)
	if len(tokens) == 0 {
		return nil, nil
	}
	if len(tokens) > 4 {
		tokens = tokens[:4]
	}

	var conds []string
	var args []any
	for _, tok := range tokens {
		pattern := "%" + tok + "%"
		conds = append(conds, "(a.normalized_name LIKE ? OR aa.normalized_alias LIKE ?)")
		args = append(args, pattern, pattern)
	}
	args = append(args, candidateLimit)

	query := `
		SELECT DISTINCT a.id FROM artists a
		LEFT JOIN artist_aliases aa ON aa.artist_id = a.id
		WHERE ` + strings.Join(conds, " OR ") + `
		ORDER BY a.normalized_name, a.id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching candidates: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetArtist(ctx, id)
		if err != nil {
			return nil, err
		}
		if a == nil {
			continue
		}
		names := append([]string{a.Name}, a.Aliases...)
		candidates = append(candidates, Candidate{Artist: *a, Names: names})
	}
	return candidates, nil
}

// CommitPage applies one page's resolution outcomes and advances the sync
// checkpoint in a single transaction: created outcomes insert artists and
// their first mapping, matched outcomes upsert the mapping (confidence never
// lowered), append the alias when present, and bump the artist version under
// a compare-and-swap guard; ambiguous outcomes are queued for review without
// touching identity state. Returns ErrConflict, with nothing applied, when a
// matched artist changed since resolve time.
func (s *Service) CommitPage(ctx context.Context, outcomes []Outcome, cp platform.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	// Versions of artists touched earlier in this transaction; a second
	// outcome for the same artist must CAS against the bumped value, not
	// the resolve-time snapshot.
	versions := make(map[string]int64)
	for i := range outcomes {
		if err := s.applyOutcome(ctx, tx, &outcomes[i], now, versions); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (platform, mode, cursor, last_success_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform, mode) DO UPDATE SET
			cursor = excluded.cursor,
			last_success_at = excluded.last_success_at,
			updated_at = excluded.updated_at`,
		string(cp.Platform), string(cp.Mode), cp.Cursor,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("advancing checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing page: %w", err)
	}
	return nil
}

func (s *Service) applyOutcome(ctx context.Context, tx *sql.Tx, o *Outcome, now time.Time, versions map[string]int64) error {
	switch o.Kind {
	case OutcomeCreated:
		return s.applyCreated(ctx, tx, o, now, versions)
	case OutcomeMatched:
		return s.applyMatched(ctx, tx, o, now, versions)
	case OutcomeAmbiguous:
		return s.applyAmbiguous(ctx, tx, o, now)
	default:
		return fmt.Errorf("unknown outcome kind: %s", o.Kind)
	}
}

func (s *Service) applyCreated(ctx context.Context, tx *sql.Tx, o *Outcome, now time.Time, versions map[string]int64) error {
	a := o.NewArtist
	if a == nil {
		return fmt.Errorf("created outcome without artist for %s:%s", o.Record.Platform, o.Record.ExternalID)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO artists (id, name, normalized_name, isni, musicbrainz_id, version, created_at, reconciled_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		a.ID, a.Name, a.NormalizedName, a.ISNI, a.MusicBrainzID,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting artist: %w", err)
	}
	o.ArtistID = a.ID
	versions[a.ID] = 0
	return s.upsertMapping(ctx, tx, o, now)
}

func (s *Service) applyMatched(ctx context.Context, tx *sql.Tx, o *Outcome, now time.Time, versions map[string]int64) error {
	if err := s.upsertMapping(ctx, tx, o, now); err != nil {
		return err
	}

	if o.Alias != "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO artist_aliases (id, artist_id, alias, normalized_alias, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(artist_id, normalized_alias) DO NOTHING`,
			uuid.New().String(), o.ArtistID, o.Alias, Normalize(o.Alias),
			string(o.Record.Platform), now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("appending alias: %w", err)
		}
	}

	// Version guard: concurrent jobs racing on the same artist must never
	// lose an update.
	expected, seen := versions[o.ArtistID]
	if !seen {
		expected = o.ArtistVersion
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE artists SET version = version + 1, reconciled_at = ?
		WHERE id = ? AND version = ?`,
		now.Format(time.RFC3339), o.ArtistID, expected)
	if err != nil {
		return fmt.Errorf("updating artist: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking artist update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("artist %s version %d: %w", o.ArtistID, expected, ErrConflict)
	}
	versions[o.ArtistID] = expected + 1
	return nil
}

func (s *Service) applyAmbiguous(ctx context.Context, tx *sql.Tx, o *Outcome, now time.Time) error {
	candidates, err := json.Marshal(o.Candidates)
	if err != nil {
		return fmt.Errorf("encoding candidates: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_items (id, platform, external_id, name, candidates, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform, external_id) DO UPDATE SET
			name = excluded.name,
			candidates = excluded.candidates`,
		uuid.New().String(), string(o.Record.Platform), o.Record.ExternalID,
		o.Record.Name, string(candidates), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("queueing review item: %w", err)
	}
	return nil
}

// upsertMapping inserts or refreshes the (platform, external_id) mapping.
// An existing mapping keeps its method and never has its confidence lowered;
// a replayed page therefore converges instead of downgrading.
func (s *Service) upsertMapping(ctx context.Context, tx *sql.Tx, o *Outcome, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO platform_mappings (id, platform, external_id, artist_id, confidence, method, confirmed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform, external_id) DO UPDATE SET
			confidence = MAX(platform_mappings.confidence, excluded.confidence),
			confirmed_at = excluded.confirmed_at`,
		uuid.New().String(), string(o.Record.Platform), o.Record.ExternalID,
		o.ArtistID, o.Confidence, string(o.Method),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting mapping: %w", err)
	}
	return nil
}

// ConfirmMapping resolves a review item by hand: it maps (platform,
// external_id) to the chosen artist with full confidence and removes the
// review item. Used by the review surface outside this core.
func (s *Service) ConfirmMapping(ctx context.Context, p platform.Name, externalID, artistID string) (*Mapping, error) {
	a, err := s.GetArtist(ctx, artistID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("artist not found: %s", artistID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning confirm: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	m := &Mapping{
		ID:          uuid.New().String(),
		Platform:    p,
		ExternalID:  externalID,
		ArtistID:    artistID,
		Confidence:  1.0,
		Method:      MethodManual,
		ConfirmedAt: now,
		CreatedAt:   now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO platform_mappings (id, platform, external_id, artist_id, confidence, method, confirmed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform, external_id) DO UPDATE SET
			artist_id = excluded.artist_id,
			confidence = excluded.confidence,
			method = excluded.method,
			confirmed_at = excluded.confirmed_at`,
		m.ID, string(p), externalID, artistID, m.Confidence, string(m.Method),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("confirming mapping: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM review_items WHERE platform = ? AND external_id = ?`,
		string(p), externalID)
	if err != nil {
		return nil, fmt.Errorf("clearing review item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing confirm: %w", err)
	}
	return m, nil
}

// ListReviewItems returns all pending ambiguous records, oldest first.
func (s *Service) ListReviewItems(ctx context.Context) ([]ReviewItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform, external_id, name, candidates, created_at
		FROM review_items ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing review items: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var items []ReviewItem
	for rows.Next() {
		var it ReviewItem
		var p, candidates, createdAt string
		if err := rows.Scan(&it.ID, &p, &it.ExternalID, &it.Name, &candidates, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning review item: %w", err)
		}
		it.Platform = platform.Name(p)
		if err := json.Unmarshal([]byte(candidates), &it.Candidates); err != nil {
			return nil, fmt.Errorf("decoding candidates: %w", err)
		}
		it.CreatedAt = parseTime(createdAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

// CountArtists returns the number of canonical artists.
func (s *Service) CountArtists(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artists`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting artists: %w", err)
	}
	return n, nil
}

func scanArtist(row *sql.Row) (*Artist, error) {
	var a Artist
	var createdAt, reconciledAt string
	err := row.Scan(&a.ID, &a.Name, &a.NormalizedName, &a.ISNI, &a.MusicBrainzID,
		&a.Version, &createdAt, &reconciledAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.ReconciledAt = parseTime(reconciledAt)
	return &a, nil
}

func scanMapping(row *sql.Row) (*Mapping, error) {
	var m Mapping
	var p, method, confirmedAt, createdAt string
	err := row.Scan(&m.ID, &p, &m.ExternalID, &m.ArtistID, &m.Confidence,
		&method, &confirmedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	m.Platform = platform.Name(p)
	m.Method = Method(method)
	m.ConfirmedAt = parseTime(confirmedAt)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func (s *Service) artistAliases(ctx context.Context, artistID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alias FROM artist_aliases WHERE artist_id = ? ORDER BY alias`, artistID)
	if err != nil {
		return nil, fmt.Errorf("listing aliases: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var aliases []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("scanning alias: %w", err)
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
