package platform

import (
	"context"
	"testing"
	"time"
)

func TestNameValid(t *testing.T) {
	for _, n := range AllNames() {
		if !n.Valid() {
			t.Errorf("%s should be valid", n)
		}
	}
	if Name("myspace").Valid() {
		t.Error("unknown platform should be invalid")
	}
}

func TestSyncModeValid(t *testing.T) {
	if !ModeFull.Valid() || !ModeIncremental.Valid() {
		t.Error("known modes should be valid")
	}
	if SyncMode("partial").Valid() {
		t.Error("unknown mode should be invalid")
	}
}

func TestDisplayName(t *testing.T) {
	if got := NameYTMusic.DisplayName(); got != "YouTube Music" {
		t.Errorf("DisplayName = %q", got)
	}
	if got := Name("custom").DisplayName(); got != "custom" {
		t.Errorf("DisplayName fallback = %q", got)
	}
}

func TestRateLimiterMapWait(t *testing.T) {
	m := NewRateLimiterMap(map[Name]float64{NameDeezer: 1000})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := m.Wait(ctx, NameDeezer); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
}

func TestRateLimiterMapUnknownPlatform(t *testing.T) {
	m := NewRateLimiterMap(nil)
	if err := m.Wait(context.Background(), Name("myspace")); err != nil {
		t.Errorf("Wait for unknown platform: %v", err)
	}
}

func TestRateLimiterMapCancellation(t *testing.T) {
	// A very slow limiter with its single burst token consumed makes the
	// second waiter block until the context deadline.
	m := NewRateLimiterMap(map[Name]float64{NameYTMusic: 0.001})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_ = m.Wait(ctx, NameYTMusic)
	if err := m.Wait(ctx, NameYTMusic); err == nil {
		t.Error("expected context deadline to abort the wait")
	}
}

func TestRateLimiterMapSetLimit(t *testing.T) {
	m := NewRateLimiterMap(nil)
	m.SetLimit(NameYTMusic, 5000)
	m.SetLimit(Name("custom"), 5000)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.Wait(ctx, NameYTMusic); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if err := m.Wait(ctx, Name("custom")); err != nil {
			t.Fatalf("Wait custom: %v", err)
		}
	}
}

type stubClient struct {
	name Name
}

func (c *stubClient) Name() Name { return c.name }

func (c *stubClient) FetchPage(context.Context, string) (*Page, error) {
	return &Page{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Get(NameSpotify) != nil {
		t.Error("empty registry should return nil")
	}

	deezer := &stubClient{name: NameDeezer}
	spotify := &stubClient{name: NameSpotify}
	r.Register(deezer)
	r.Register(spotify)

	if got := r.Get(NameDeezer); got != deezer {
		t.Error("Get returned wrong client")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != NameSpotify || names[1] != NameDeezer {
		t.Errorf("Names = %v, want [spotify deezer] in display order", names)
	}
	if all := r.All(); len(all) != 2 || all[0] != spotify {
		t.Errorf("All returned %d clients in wrong order", len(all))
	}
}

func TestErrUnavailableUnwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := &ErrUnavailable{Platform: NameTidal, Cause: cause}
	if err.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}
	if err.Error() == "" {
		t.Error("expected an error message")
	}
}
