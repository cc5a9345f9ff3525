package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/calliohq/calliope/internal/platform"
)

// Repository is the read surface the resolver needs. *Service satisfies it;
// the resolver itself never writes.
type Repository interface {
	FindMapping(ctx context.Context, p platform.Name, externalID string) (*Mapping, error)
	FindMappingForArtist(ctx context.Context, p platform.Name, artistID string) (*Mapping, error)
	GetArtist(ctx context.Context, id string) (*Artist, error)
	FindByCrossReference(ctx context.Context, isni, musicBrainzID string) (*Artist, error)
	SearchCandidates(ctx context.Context, name string) ([]Candidate, error)
}

// ResolverConfig holds the tunable thresholds of the resolution cascade.
type ResolverConfig struct {
	// MatchThreshold is the minimum similarity for a fuzzy name match.
	MatchThreshold float64
	// AutoMergeThreshold is the minimum confidence at which a differing
	// display name is appended to the artist's alias set.
	AutoMergeThreshold float64
	// AmbiguityMargin is the score band below the best candidate within
	// which a runner-up makes the match ambiguous.
	AmbiguityMargin float64
}

// DefaultResolverConfig returns the default thresholds.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MatchThreshold:     0.85,
		AutoMergeThreshold: 0.90,
		AmbiguityMargin:    0.03,
	}
}

// Resolver finds or creates the canonical artist each platform record
// represents. Resolution is deterministic for a fixed repository snapshot
// and fixed thresholds.
type Resolver struct {
	repo   Repository
	config ResolverConfig
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(repo Repository, config ResolverConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		config: config,
		logger: logger.With(slog.String("component", "resolver")),
	}
}

// Resolve maps one page of records to outcomes, in input order. The cascade
// per record: active mapping lookup, cross-reference match, fuzzy name
// match with an anti-ambiguity guard, then creation. Within one page an
// artist can be claimed by at most one external ID per platform; later
// rivals become ambiguous outcomes. Repository state is only read; the
// returned outcomes are applied atomically by CommitPage.
func (r *Resolver) Resolve(ctx context.Context, records []platform.Record) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(records))
	// Records earlier in the same page may have created or matched an
	// artist this record refers to; the repository snapshot cannot see
	// those yet.
	pending := make(map[string]*Outcome, len(records))
	// Artists already claimed by an earlier record on this page, per
	// platform. The repository enforces one mapping per (platform, artist);
	// a later record with a different external ID landing on the same
	// artist would break the page commit.
	claimed := make(map[string]bool, len(records))

	for _, rec := range records {
		key := string(rec.Platform) + "\x00" + rec.ExternalID
		if prior, ok := pending[key]; ok {
			outcomes = append(outcomes, repeatOutcome(prior, rec))
			continue
		}

		o, err := r.resolveOne(ctx, rec)
		if err != nil {
			return nil, err
		}
		if o.Kind == OutcomeMatched || o.Kind == OutcomeCreated {
			ck := string(rec.Platform) + "\x00" + o.ArtistID
			if claimed[ck] {
				// Two external IDs on one page claim the same artist;
				// like a cross-reference conflict, a human decides.
				r.logger.Info("in-page rival claim",
					slog.String("platform", string(rec.Platform)),
					slog.String("external_id", rec.ExternalID),
					slog.String("artist_id", o.ArtistID))
				o = r.ambiguous(rec, []string{o.ArtistID})
			} else {
				claimed[ck] = true
			}
		}
		outcomes = append(outcomes, *o)
		pending[key] = o
	}
	return outcomes, nil
}

func (r *Resolver) resolveOne(ctx context.Context, rec platform.Record) (*Outcome, error) {
	// Rule 1: an active mapping settles it.
	m, err := r.repo.FindMapping(ctx, rec.Platform, rec.ExternalID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return r.matched(ctx, rec, m.ArtistID, 1.0, MethodExactID)
	}

	// Rule 2: cross-reference IDs attached via any platform.
	if rec.ISNI != "" || rec.MusicBrainzID != "" {
		a, err := r.repo.FindByCrossReference(ctx, rec.ISNI, rec.MusicBrainzID)
		if err != nil {
			return nil, err
		}
		if a != nil {
			taken, err := r.mappedElsewhere(ctx, rec, a.ID)
			if err != nil {
				return nil, err
			}
			if taken {
				// Two external IDs on one platform claim the same
				// cross-reference; a human decides.
				return r.ambiguous(rec, []string{a.ID}), nil
			}
			return r.matched(ctx, rec, a.ID, 0.95, MethodCrossReference)
		}
	}

	// Rule 3: fuzzy name match.
	o, err := r.resolveByName(ctx, rec)
	if err != nil {
		return nil, err
	}
	if o != nil {
		return o, nil
	}

	// Rule 4: first sighting; a new canonical artist.
	a := &Artist{
		ID:             uuid.New().String(),
		Name:           rec.Name,
		NormalizedName: Normalize(rec.Name),
		ISNI:           rec.ISNI,
		MusicBrainzID:  rec.MusicBrainzID,
	}
	r.logger.Debug("creating canonical artist",
		slog.String("platform", string(rec.Platform)),
		slog.String("external_id", rec.ExternalID),
		slog.String("name", rec.Name))
	return &Outcome{
		Kind:       OutcomeCreated,
		Record:     rec,
		ArtistID:   a.ID,
		Confidence: 1.0,
		Method:     MethodExactID,
		NewArtist:  a,
	}, nil
}

// resolveByName scores fuzzy candidates and returns a matched or ambiguous
// outcome, or nil when nothing clears the threshold.
func (r *Resolver) resolveByName(ctx context.Context, rec platform.Record) (*Outcome, error) {
	candidates, err := r.repo.SearchCandidates(ctx, rec.Name)
	if err != nil {
		return nil, err
	}

	type scored struct {
		artistID string
		score    float64
	}
	var ranked []scored
	for _, c := range candidates {
		// An artist already mapped to a different external ID on this
		// platform cannot legally receive this record's mapping.
		taken, err := r.mappedElsewhere(ctx, rec, c.Artist.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			continue
		}

		best := 0.0
		for _, name := range c.Names {
			if s := Similarity(rec.Name, name); s > best {
				best = s
			}
		}
		ranked = append(ranked, scored{artistID: c.Artist.ID, score: best})
	}

	if len(ranked) == 0 {
		return nil, nil
	}

	best := ranked[0]
	for _, s := range ranked[1:] {
		if s.score > best.score {
			best = s
		}
	}
	if best.score < r.config.MatchThreshold {
		return nil, nil
	}

	var contenders []string
	for _, s := range ranked {
		if best.score-s.score <= r.config.AmbiguityMargin {
			contenders = append(contenders, s.artistID)
		}
	}
	if len(contenders) > 1 {
		r.logger.Info("ambiguous name match",
			slog.String("platform", string(rec.Platform)),
			slog.String("name", rec.Name),
			slog.Int("candidates", len(contenders)))
		return r.ambiguous(rec, contenders), nil
	}

	return r.matched(ctx, rec, best.artistID, best.score, MethodFuzzyName)
}

// matched builds a matched outcome, loading the artist for its version and
// deciding whether the record's display name becomes a new alias.
func (r *Resolver) matched(ctx context.Context, rec platform.Record, artistID string, confidence float64, method Method) (*Outcome, error) {
	a, err := r.repo.GetArtist(ctx, artistID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("matched artist %s no longer exists", artistID)
	}

	o := &Outcome{
		Kind:          OutcomeMatched,
		Record:        rec,
		ArtistID:      a.ID,
		Confidence:    confidence,
		Method:        method,
		ArtistVersion: a.Version,
	}
	if confidence >= r.config.AutoMergeThreshold && rec.Name != a.Name && !containsName(a.Aliases, rec.Name) {
		o.Alias = rec.Name
	}
	return o, nil
}

func (r *Resolver) ambiguous(rec platform.Record, candidates []string) *Outcome {
	return &Outcome{
		Kind:       OutcomeAmbiguous,
		Record:     rec,
		Candidates: candidates,
	}
}

// mappedElsewhere reports whether artistID already holds a mapping on the
// record's platform under a different external ID.
func (r *Resolver) mappedElsewhere(ctx context.Context, rec platform.Record, artistID string) (bool, error) {
	m, err := r.repo.FindMappingForArtist(ctx, rec.Platform, artistID)
	if err != nil {
		return false, err
	}
	return m != nil && m.ExternalID != rec.ExternalID, nil
}

// repeatOutcome derives the outcome for a record whose (platform, external
// ID) already appeared earlier in the same page.
func repeatOutcome(prior *Outcome, rec platform.Record) Outcome {
	o := *prior
	o.Record = rec
	if prior.Kind == OutcomeCreated {
		// The artist is being inserted by the earlier outcome in the same
		// commit; this one just refreshes the mapping.
		o.Kind = OutcomeMatched
		o.NewArtist = nil
		o.Confidence = 1.0
		o.Method = MethodExactID
	}
	o.Alias = ""
	return o
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
