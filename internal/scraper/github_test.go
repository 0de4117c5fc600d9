package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blackroad/repoplane/internal/domain"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/repos/acme/foo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `W/"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `W/"v1"`)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"full_name":        "acme/foo",
			"description":      "demo repo",
			"default_branch":   "main",
			"stargazers_count": 7,
			"language":         "TypeScript",
		})
	})

	mux.HandleFunc("/repos/acme/foo/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tree": []map[string]string{
				{"path": "README.md", "type": "blob"},
				{"path": "package.json", "type": "blob"},
				{"path": "tsconfig.json", "type": "blob"},
				{"path": "wrangler.toml", "type": "blob"},
				{"path": "src", "type": "tree"},
				{"path": "src/index.ts", "type": "blob"},
			},
		})
	})

	mux.HandleFunc("/repos/acme/down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/repos/acme/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestScrapeFullBuildsStructure(t *testing.T) {
	srv := newTestServer(t)
	clock := fixedClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	client := New(Config{Org: "acme", BaseURL: srv.URL}, clock)

	data, err := client.Scrape(context.Background(), domain.ScrapeTask{
		Repo:       "foo",
		ScrapeType: domain.ScrapeTypeFull,
	}, "")
	if err != nil {
		t.Fatalf("Scrape failed: %v", err)
	}

	if data.FullName != "acme/foo" {
		t.Errorf("expected acme/foo, got %s", data.FullName)
	}
	if data.ETag != `W/"v1"` {
		t.Errorf("expected stored ETag, got %q", data.ETag)
	}
	if !data.LastScrapedAt.Equal(clock.now) {
		t.Error("expected LastScrapedAt from the clock")
	}
	if !data.Structure.HasPackageJSON || !data.Structure.HasTSConfig || !data.Structure.HasWrangler {
		t.Errorf("expected all config booleans set, got %+v", data.Structure)
	}
	if len(data.Structure.Files) != 5 {
		t.Errorf("expected 5 files, got %d", len(data.Structure.Files))
	}
	if len(data.Structure.Directories) != 1 || data.Structure.Directories[0] != "src" {
		t.Errorf("expected [src], got %v", data.Structure.Directories)
	}
	if data.Structure.PrimaryLanguage != "TypeScript" {
		t.Errorf("expected TypeScript, got %s", data.Structure.PrimaryLanguage)
	}
}

func TestScrapeIncrementalEtagMatchReturnsNil(t *testing.T) {
	srv := newTestServer(t)
	client := New(Config{Org: "acme", BaseURL: srv.URL}, fixedClock{now: time.Now()})

	data, err := client.Scrape(context.Background(), domain.ScrapeTask{
		Repo:       "foo",
		ScrapeType: domain.ScrapeTypeIncremental,
	}, `W/"v1"`)
	if err != nil {
		t.Fatalf("Scrape failed: %v", err)
	}
	if data != nil {
		t.Errorf("expected nil on ETag match, got %+v", data)
	}
}

func TestScrapeErrorClassification(t *testing.T) {
	srv := newTestServer(t)
	client := New(Config{Org: "acme", BaseURL: srv.URL}, fixedClock{now: time.Now()})
	ctx := context.Background()

	_, err := client.Scrape(ctx, domain.ScrapeTask{Repo: "down", ScrapeType: domain.ScrapeTypeFull}, "")
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if !errors.Is(err, ErrTransient) {
		t.Errorf("502 should be transient, got %v", err)
	}

	_, err = client.Scrape(ctx, domain.ScrapeTask{Repo: "gone", ScrapeType: domain.ScrapeTypeFull}, "")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !errors.Is(err, ErrPersistent) {
		t.Errorf("404 should be persistent, got %v", err)
	}
}

func TestResolveShortNames(t *testing.T) {
	client := New(Config{Org: "BlackRoad-OS"}, fixedClock{now: time.Now()})

	if got := client.Resolve("core"); got != "BlackRoad-OS/core" {
		t.Errorf("expected org prefix, got %s", got)
	}
	if got := client.Resolve("acme/foo"); got != "acme/foo" {
		t.Errorf("full names pass through, got %s", got)
	}
}

func TestSwitchEndpoint(t *testing.T) {
	client := New(Config{Org: "acme", BaseURL: "https://primary", BackupURL: "https://backup"}, fixedClock{now: time.Now()})

	if err := client.SwitchEndpoint(context.Background()); err != nil {
		t.Fatalf("SwitchEndpoint failed: %v", err)
	}
	if client.base() != "https://backup" {
		t.Errorf("expected backup active, got %s", client.base())
	}

	bare := New(Config{Org: "acme", BaseURL: "https://primary"}, fixedClock{now: time.Now()})
	if err := bare.SwitchEndpoint(context.Background()); err == nil {
		t.Error("expected error without a backup endpoint")
	}
}
