// Package platform defines the types shared between the sync workers, the
// identity resolver and the per-platform catalog clients: the normalized
// record and page shapes, the client contract, checkpoints, rate limiting,
// and the error taxonomy for remote catalog APIs.
package platform

import (
	"context"
	"encoding/json"
	"time"
)

// Name uniquely identifies an external music platform.
type Name string

// Known platform names.
const (
	NameSpotify    Name = "spotify"
	NameAppleMusic Name = "applemusic"
	NameTidal      Name = "tidal"
	NameYTMusic    Name = "ytmusic"
	NameDeezer     Name = "deezer"
)

// AllNames returns all known platform names in display order.
func AllNames() []Name {
	return []Name{
		NameSpotify,
		NameAppleMusic,
		NameTidal,
		NameYTMusic,
		NameDeezer,
	}
}

// DisplayName returns a human-readable name for the platform.
func (n Name) DisplayName() string {
	switch n {
	case NameSpotify:
		return "Spotify"
	case NameAppleMusic:
		return "Apple Music"
	case NameTidal:
		return "Tidal"
	case NameYTMusic:
		return "YouTube Music"
	case NameDeezer:
		return "Deezer"
	default:
		return string(n)
	}
}

// Valid reports whether n is a known platform name.
func (n Name) Valid() bool {
	for _, known := range AllNames() {
		if n == known {
			return true
		}
	}
	return false
}

// SyncMode selects between a full catalog crawl and an incremental
// modified-since crawl.
type SyncMode string

// Sync modes.
const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
)

// Valid reports whether m is a known sync mode.
func (m SyncMode) Valid() bool {
	return m == ModeFull || m == ModeIncremental
}

// Record is the normalized snapshot of one artist as seen on one platform at
// fetch time. It is transient: records exist only between a page fetch and
// the commit of that page's resolution outcomes.
type Record struct {
	Platform      Name            `json:"platform"`
	ExternalID    string          `json:"external_id"`
	Name          string          `json:"name"`
	ISNI          string          `json:"isni,omitempty"`
	MusicBrainzID string          `json:"musicbrainz_id,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
	ModifiedAt    time.Time       `json:"modified_at,omitempty"`
	FetchedAt     time.Time       `json:"fetched_at"`
}

// Page is one page of a catalog crawl. NextCursor is the opaque resumption
// token for the following page; an empty NextCursor with HasMore false marks
// the end of the crawl.
type Page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}

// Client is the single capability every platform adapter implements. An
// empty cursor requests the first page. Implementations are responsible for
// waiting on their platform's rate limiter before each outbound request.
type Client interface {
	// Name returns the platform this client fetches from.
	Name() Name

	// FetchPage fetches one page of artist records starting at cursor.
	FetchPage(ctx context.Context, cursor string) (*Page, error)
}

// Checkpoint is the durable resumption state for one (platform, mode) pair.
// For full crawls Cursor is the platform's pagination token; for incremental
// crawls it is an RFC3339 modified-since watermark. A checkpoint advances
// only after all records on the corresponding page were durably committed.
type Checkpoint struct {
	Platform      Name      `json:"platform"`
	Mode          SyncMode  `json:"mode"`
	Cursor        string    `json:"cursor"`
	LastSuccessAt time.Time `json:"last_success_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
