package deezer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/calliohq/calliope/internal/platform"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	limiter := platform.NewRateLimiterMap(map[platform.Name]float64{platform.NameDeezer: 10000})
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWithBaseURL(limiter, logger, srv.URL)
}

func TestFetchPage(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/me/artists" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("index"); got != "0" {
			t.Errorf("index = %q, want 0", got)
		}
		fmt.Fprint(w, `{"data":[
			{"id":27,"name":"Daft Punk","link":"https://www.deezer.com/artist/27"},
			{"id":1353,"name":"Air","link":"https://www.deezer.com/artist/1353"}
		],"total":5,"next":"https://api.deezer.com/user/me/artists?index=2"}`)
	})

	page, err := client.FetchPage(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(page.Records))
	}
	first := page.Records[0]
	if first.ExternalID != "27" || first.Name != "Daft Punk" {
		t.Errorf("unexpected first record: %+v", first)
	}
	if first.Platform != platform.NameDeezer {
		t.Errorf("platform = %s", first.Platform)
	}
	if !page.HasMore || page.NextCursor != "2" {
		t.Errorf("pagination = %+v, want next offset 2", page)
	}
}

func TestFetchPageOffsetCursor(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("index"); got != "100" {
			t.Errorf("index = %q, want 100", got)
		}
		fmt.Fprint(w, `{"data":[{"id":9,"name":"Burial"}],"total":101,"next":""}`)
	})

	page, err := client.FetchPage(context.Background(), "100")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if page.HasMore || page.NextCursor != "" {
		t.Errorf("last page = %+v, want HasMore false", page)
	}
}

func TestFetchPageInvalidCursor(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	})

	if _, err := client.FetchPage(context.Background(), "abc"); err == nil {
		t.Fatal("expected invalid cursor error")
	}
	if _, err := client.FetchPage(context.Background(), "-1"); err == nil {
		t.Fatal("expected negative cursor error")
	}
}

func TestFetchPageServerError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.FetchPage(context.Background(), "")
	var unavail *platform.ErrUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestFetchPageRateLimited(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.FetchPage(context.Background(), "")
	var unavail *platform.ErrUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestFetchPageEmptyCatalog(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[],"total":0,"next":""}`)
	})

	page, err := client.FetchPage(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Records) != 0 || page.HasMore {
		t.Errorf("empty catalog page = %+v", page)
	}
}
