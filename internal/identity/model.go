// Package identity owns the canonical artist store and the cross-platform
// identity resolver. All identity state (artists, aliases, platform
// mappings, review items) is mutated exclusively through this package.
package identity

import (
	"time"

	"github.com/calliohq/calliope/internal/platform"
)

// Artist is the single internal identity representing one real-world artist
// across all platforms.
type Artist struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	ISNI           string    `json:"isni,omitempty"`
	MusicBrainzID  string    `json:"musicbrainz_id,omitempty"`
	Aliases        []string  `json:"aliases,omitempty"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	ReconciledAt   time.Time `json:"reconciled_at"`
}

// Method describes how a platform mapping was established.
type Method string

// Resolution methods, in decreasing order of certainty.
const (
	MethodExactID        Method = "exact_id"
	MethodCrossReference Method = "cross_reference"
	MethodFuzzyName      Method = "fuzzy_name"
	MethodManual         Method = "manual"
)

// Mapping is the durable edge between a canonical artist and one
// (platform, external_id) pair. For a given platform an external ID maps to
// at most one artist, and an artist holds at most one mapping per platform.
type Mapping struct {
	ID          string        `json:"id"`
	Platform    platform.Name `json:"platform"`
	ExternalID  string        `json:"external_id"`
	ArtistID    string        `json:"artist_id"`
	Confidence  float64       `json:"confidence"`
	Method      Method        `json:"method"`
	ConfirmedAt time.Time     `json:"confirmed_at"`
	CreatedAt   time.Time     `json:"created_at"`
}

// OutcomeKind classifies a resolution outcome.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeMatched   OutcomeKind = "matched"
	OutcomeCreated   OutcomeKind = "created"
	OutcomeAmbiguous OutcomeKind = "ambiguous"
)

// Outcome is the resolver's decision for one platform record. Outcomes are
// pure data: the resolver only reads repository state, and CommitPage later
// applies matched/created outcomes and queues ambiguous ones for review.
type Outcome struct {
	Kind       OutcomeKind     `json:"kind"`
	Record     platform.Record `json:"record"`
	ArtistID   string          `json:"artist_id,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Method     Method          `json:"method,omitempty"`

	// NewArtist is set for created outcomes: the artist to insert.
	NewArtist *Artist `json:"new_artist,omitempty"`

	// Alias, when non-empty on a matched outcome, is an alternate name to
	// append to the artist's alias set.
	Alias string `json:"alias,omitempty"`

	// ArtistVersion is the artist version observed at resolve time; the
	// commit uses it as a compare-and-swap guard against concurrent merges.
	ArtistVersion int64 `json:"artist_version,omitempty"`

	// Candidates holds the tied artist IDs for ambiguous outcomes.
	Candidates []string `json:"candidates,omitempty"`
}

// ReviewItem is an ambiguous record parked for manual review. The record has
// no active mapping until a reviewer confirms one.
type ReviewItem struct {
	ID         string        `json:"id"`
	Platform   platform.Name `json:"platform"`
	ExternalID string        `json:"external_id"`
	Name       string        `json:"name"`
	Candidates []string      `json:"candidates"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Candidate pairs an artist with every name it is known by, for fuzzy
// scoring.
type Candidate struct {
	Artist Artist
	Names  []string
}
