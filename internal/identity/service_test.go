package identity

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/calliohq/calliope/internal/database"
	"github.com/calliohq/calliope/internal/platform"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCheckpoint(p platform.Name, cursor string) platform.Checkpoint {
	return platform.Checkpoint{Platform: p, Mode: platform.ModeFull, Cursor: cursor}
}

func createdOutcome(p platform.Name, externalID, name string) Outcome {
	id := uuid.New().String()
	return Outcome{
		Kind:       OutcomeCreated,
		Record:     platform.Record{Platform: p, ExternalID: externalID, Name: name},
		ArtistID:   id,
		Confidence: 1.0,
		Method:     MethodExactID,
		NewArtist: &Artist{
			ID:             id,
			Name:           name,
			NormalizedName: Normalize(name),
		},
	}
}

func TestCommitPageCreates(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	o := createdOutcome(platform.NameSpotify, "sp-1", "Radiohead")
	cp := testCheckpoint(platform.NameSpotify, "cursor-2")
	if err := svc.CommitPage(ctx, []Outcome{o}, cp); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	a, err := svc.GetArtist(ctx, o.ArtistID)
	if err != nil {
		t.Fatalf("GetArtist: %v", err)
	}
	if a == nil {
		t.Fatal("expected artist to exist")
	}
	if a.Version != 0 {
		t.Errorf("new artist version = %d, want 0", a.Version)
	}
	if a.NormalizedName != "radiohead" {
		t.Errorf("normalized name = %q, want radiohead", a.NormalizedName)
	}

	m, err := svc.FindMapping(ctx, platform.NameSpotify, "sp-1")
	if err != nil {
		t.Fatalf("FindMapping: %v", err)
	}
	if m == nil || m.ArtistID != o.ArtistID {
		t.Fatalf("mapping missing or wrong artist: %+v", m)
	}
}

func TestCommitPageAdvancesCheckpoint(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	o := createdOutcome(platform.NameDeezer, "dz-1", "Portishead")
	if err := svc.CommitPage(ctx, []Outcome{o}, testCheckpoint(platform.NameDeezer, "100")); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	var cursor string
	err := db.QueryRow(`SELECT cursor FROM sync_checkpoints WHERE platform = ? AND mode = ?`,
		"deezer", "full").Scan(&cursor)
	if err != nil {
		t.Fatalf("reading checkpoint: %v", err)
	}
	if cursor != "100" {
		t.Errorf("cursor = %q, want 100", cursor)
	}
}

func TestCommitPageMatchedBumpsVersionAndAddsAlias(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	created := createdOutcome(platform.NameSpotify, "sp-1", "Sigur Rós")
	if err := svc.CommitPage(ctx, []Outcome{created}, testCheckpoint(platform.NameSpotify, "c1")); err != nil {
		t.Fatalf("CommitPage (create): %v", err)
	}

	matched := Outcome{
		Kind:          OutcomeMatched,
		Record:        platform.Record{Platform: platform.NameDeezer, ExternalID: "dz-9", Name: "Sigur Ros"},
		ArtistID:      created.ArtistID,
		Confidence:    1.0,
		Method:        MethodFuzzyName,
		Alias:         "Sigur Ros",
		ArtistVersion: 0,
	}
	if err := svc.CommitPage(ctx, []Outcome{matched}, testCheckpoint(platform.NameDeezer, "c1")); err != nil {
		t.Fatalf("CommitPage (match): %v", err)
	}

	a, err := svc.GetArtist(ctx, created.ArtistID)
	if err != nil {
		t.Fatalf("GetArtist: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("version = %d, want 1", a.Version)
	}
	if len(a.Aliases) != 1 || a.Aliases[0] != "Sigur Ros" {
		t.Errorf("aliases = %v, want [Sigur Ros]", a.Aliases)
	}

	// Committing the same alias again must not duplicate it.
	matched.ArtistVersion = 1
	if err := svc.CommitPage(ctx, []Outcome{matched}, testCheckpoint(platform.NameDeezer, "c2")); err != nil {
		t.Fatalf("CommitPage (repeat): %v", err)
	}
	a, _ = svc.GetArtist(ctx, created.ArtistID)
	if len(a.Aliases) != 1 {
		t.Errorf("aliases = %v, want exactly one", a.Aliases)
	}
}

func TestCommitPageVersionConflict(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	created := createdOutcome(platform.NameSpotify, "sp-1", "Mogwai")
	if err := svc.CommitPage(ctx, []Outcome{created}, testCheckpoint(platform.NameSpotify, "c1")); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	stale := Outcome{
		Kind:          OutcomeMatched,
		Record:        platform.Record{Platform: platform.NameTidal, ExternalID: "td-1", Name: "Mogwai"},
		ArtistID:      created.ArtistID,
		Confidence:    1.0,
		Method:        MethodExactID,
		ArtistVersion: 7, // stale snapshot
	}
	err := svc.CommitPage(ctx, []Outcome{stale}, testCheckpoint(platform.NameTidal, "c1"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Nothing from the failed page may have landed, including the checkpoint.
	m, _ := svc.FindMapping(ctx, platform.NameTidal, "td-1")
	if m != nil {
		t.Error("mapping from failed commit must not exist")
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sync_checkpoints WHERE platform = 'tidal'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("checkpoint from failed commit must not exist")
	}
}

func TestCommitPageSameArtistTwice(t *testing.T) {
	// Two matched outcomes for one artist in a single page both carry the
	// resolve-time version; the commit must chain them, not conflict.
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	created := createdOutcome(platform.NameSpotify, "sp-1", "Boards of Canada")
	if err := svc.CommitPage(ctx, []Outcome{created}, testCheckpoint(platform.NameSpotify, "c1")); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	matchedA := Outcome{
		Kind:          OutcomeMatched,
		Record:        platform.Record{Platform: platform.NameDeezer, ExternalID: "dz-1", Name: "Boards of Canada"},
		ArtistID:      created.ArtistID,
		Confidence:    1.0,
		Method:        MethodFuzzyName,
		ArtistVersion: 0,
	}
	matchedB := Outcome{
		Kind:          OutcomeMatched,
		Record:        platform.Record{Platform: platform.NameTidal, ExternalID: "td-1", Name: "Boards of Canada"},
		ArtistID:      created.ArtistID,
		Confidence:    1.0,
		Method:        MethodFuzzyName,
		ArtistVersion: 0,
	}
	err := svc.CommitPage(ctx, []Outcome{matchedA, matchedB}, testCheckpoint(platform.NameDeezer, "c2"))
	if err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	a, _ := svc.GetArtist(ctx, created.ArtistID)
	if a.Version != 2 {
		t.Errorf("version = %d, want 2", a.Version)
	}
}

func TestCommitPageNeverLowersConfidence(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	created := createdOutcome(platform.NameSpotify, "sp-1", "Burial")
	if err := svc.CommitPage(ctx, []Outcome{created}, testCheckpoint(platform.NameSpotify, "c1")); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	lower := Outcome{
		Kind:          OutcomeMatched,
		Record:        platform.Record{Platform: platform.NameSpotify, ExternalID: "sp-1", Name: "Burial"},
		ArtistID:      created.ArtistID,
		Confidence:    0.87,
		Method:        MethodFuzzyName,
		ArtistVersion: 0,
	}
	if err := svc.CommitPage(ctx, []Outcome{lower}, testCheckpoint(platform.NameSpotify, "c2")); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	m, err := svc.FindMapping(ctx, platform.NameSpotify, "sp-1")
	if err != nil {
		t.Fatalf("FindMapping: %v", err)
	}
	if m.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0 kept", m.Confidence)
	}
}

func TestCommitPageAmbiguousQueuesReview(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	amb := Outcome{
		Kind:       OutcomeAmbiguous,
		Record:     platform.Record{Platform: platform.NameYTMusic, ExternalID: "yt-1", Name: "Nirvana"},
		Candidates: []string{"a1", "a2"},
	}
	if err := svc.CommitPage(ctx, []Outcome{amb}, testCheckpoint(platform.NameYTMusic, "c1")); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	items, err := svc.ListReviewItems(ctx)
	if err != nil {
		t.Fatalf("ListReviewItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 review item, got %d", len(items))
	}
	it := items[0]
	if it.Platform != platform.NameYTMusic || it.ExternalID != "yt-1" {
		t.Errorf("unexpected review item: %+v", it)
	}
	if len(it.Candidates) != 2 {
		t.Errorf("candidates = %v, want 2 entries", it.Candidates)
	}

	// No mapping until a reviewer confirms one.
	m, _ := svc.FindMapping(ctx, platform.NameYTMusic, "yt-1")
	if m != nil {
		t.Error("ambiguous record must not be mapped")
	}

	// A replay upserts the same review item instead of duplicating it.
	if err := svc.CommitPage(ctx, []Outcome{amb}, testCheckpoint(platform.NameYTMusic, "c1")); err != nil {
		t.Fatalf("CommitPage (replay): %v", err)
	}
	items, _ = svc.ListReviewItems(ctx)
	if len(items) != 1 {
		t.Errorf("expected 1 review item after replay, got %d", len(items))
	}
}

func TestConfirmMapping(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	created := createdOutcome(platform.NameSpotify, "sp-1", "Nirvana")
	amb := Outcome{
		Kind:       OutcomeAmbiguous,
		Record:     platform.Record{Platform: platform.NameDeezer, ExternalID: "dz-1", Name: "Nirvana"},
		Candidates: []string{created.ArtistID},
	}
	if err := svc.CommitPage(ctx, []Outcome{created, amb}, testCheckpoint(platform.NameSpotify, "c1")); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	m, err := svc.ConfirmMapping(ctx, platform.NameDeezer, "dz-1", created.ArtistID)
	if err != nil {
		t.Fatalf("ConfirmMapping: %v", err)
	}
	if m.Method != MethodManual || m.Confidence != 1.0 {
		t.Errorf("got method=%s confidence=%v, want manual 1.0", m.Method, m.Confidence)
	}

	items, _ := svc.ListReviewItems(ctx)
	if len(items) != 0 {
		t.Errorf("expected review queue drained, got %d items", len(items))
	}

	got, _ := svc.FindMapping(ctx, platform.NameDeezer, "dz-1")
	if got == nil || got.ArtistID != created.ArtistID {
		t.Fatalf("mapping missing after confirm: %+v", got)
	}
}

func TestConfirmMappingUnknownArtist(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)

	if _, err := svc.ConfirmMapping(context.Background(), platform.NameDeezer, "dz-1", "nope"); err == nil {
		t.Fatal("expected error for unknown artist")
	}
}

func TestSearchCandidatesIncludesAliases(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	created := createdOutcome(platform.NameSpotify, "sp-1", "The Chemical Brothers")
	matched := Outcome{
		Kind:          OutcomeMatched,
		Record:        platform.Record{Platform: platform.NameDeezer, ExternalID: "dz-1", Name: "Chemical Bros"},
		ArtistID:      created.ArtistID,
		Confidence:    0.95,
		Method:        MethodFuzzyName,
		Alias:         "Chemical Bros",
		ArtistVersion: 0,
	}
	if err := svc.CommitPage(ctx, []Outcome{created, matched}, testCheckpoint(platform.NameSpotify, "c1")); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	cands, err := svc.SearchCandidates(ctx, "Chemical Brothers")
	if err != nil {
		t.Fatalf("SearchCandidates: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	if len(cands[0].Names) != 2 {
		t.Errorf("names = %v, want display name plus alias", cands[0].Names)
	}
}

func TestFindByCrossReferencePrefersISNI(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	byISNI := createdOutcome(platform.NameSpotify, "sp-1", "Artist One")
	byISNI.NewArtist.ISNI = "0000000100000001"
	byMBID := createdOutcome(platform.NameSpotify, "sp-2", "Artist Two")
	byMBID.NewArtist.MusicBrainzID = "mbid-2"
	if err := svc.CommitPage(ctx, []Outcome{byISNI, byMBID}, testCheckpoint(platform.NameSpotify, "c1")); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	a, err := svc.FindByCrossReference(ctx, "0000000100000001", "mbid-2")
	if err != nil {
		t.Fatalf("FindByCrossReference: %v", err)
	}
	if a == nil || a.ID != byISNI.ArtistID {
		t.Fatalf("expected ISNI match to win, got %+v", a)
	}

	a, err = svc.FindByCrossReference(ctx, "", "mbid-2")
	if err != nil {
		t.Fatalf("FindByCrossReference: %v", err)
	}
	if a == nil || a.ID != byMBID.ArtistID {
		t.Fatalf("expected MusicBrainz fallback, got %+v", a)
	}

	a, err = svc.FindByCrossReference(ctx, "", "")
	if err != nil || a != nil {
		t.Fatalf("expected nil for empty references, got %+v, %v", a, err)
	}
}

func TestCheckpointTimestamps(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	o := createdOutcome(platform.NameSpotify, "sp-1", "Seefeel")
	if err := svc.CommitPage(ctx, []Outcome{o}, testCheckpoint(platform.NameSpotify, "c1")); err != nil {
		t.Fatalf("CommitPage: %v", err)
	}

	var lastSuccess string
	err := db.QueryRow(`SELECT last_success_at FROM sync_checkpoints WHERE platform = 'spotify'`).Scan(&lastSuccess)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := time.Parse(time.RFC3339, lastSuccess)
	if err != nil {
		t.Fatalf("last_success_at not RFC3339: %v", err)
	}
	if ts.Before(before) {
		t.Errorf("last_success_at %v predates the commit", ts)
	}
}
