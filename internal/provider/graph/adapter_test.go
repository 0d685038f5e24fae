package graph

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudsync/cloudsync/internal/provider"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*GraphAdapter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter, err := New(&provider.Settings{
		Kind:       "graph",
		APIBaseURL: server.URL,
		PageSize:   2,
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return adapter, server
}

func TestListFilesFirstPage(t *testing.T) {
	var gotPath, gotAuth string
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"value": [
				{"id": "i1", "name": "budget.xlsx", "size": 4096, "lastModifiedDateTime": "2026-02-01T08:00:00Z", "file": {"mimeType": "application/vnd.ms-excel"}},
				{"id": "i2", "name": "Documents", "folder": {}},
				{"id": "i3", "name": "readme.md", "size": 12, "file": {"mimeType": "text/markdown"}}
			],
			"@odata.nextLink": "` + "NEXT" + `"
		}`))
	})

	page, err := adapter.ListFiles(context.Background(), provider.Credentials{AccessToken: "tok"}, "")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}

	if gotPath != "/me/drive/root/children" {
		t.Errorf("expected children path, got %s", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
	if page.NextCursor != "NEXT" {
		t.Errorf("expected next link cursor, got %q", page.NextCursor)
	}
	if len(page.Files) != 2 {
		t.Fatalf("expected folders skipped, got %d files", len(page.Files))
	}

	first := page.Files[0]
	if first.ExternalID != "i1" || first.Name != "budget.xlsx" || first.SizeBytes != 4096 {
		t.Errorf("unexpected first file: %+v", first)
	}
	if first.MimeType != "application/vnd.ms-excel" {
		t.Errorf("expected mime type from file facet, got %q", first.MimeType)
	}
	if first.ModifiedTime == nil {
		t.Error("expected parsed modification time")
	}
	if page.Files[1].ModifiedTime != nil {
		t.Errorf("expected nil time for missing timestamp: %+v", page.Files[1])
	}
}

func TestListFilesFollowsCursor(t *testing.T) {
	var gotURL string
	adapter, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.Write([]byte(`{"value": []}`))
	})

	cursor := server.URL + "/me/drive/root/children?$top=2&$skiptoken=abc"
	page, err := adapter.ListFiles(context.Background(), provider.Credentials{AccessToken: "tok"}, cursor)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if gotURL != "/me/drive/root/children?$top=2&$skiptoken=abc" {
		t.Errorf("expected continuation URL to be followed, got %q", gotURL)
	}
	if page.NextCursor != "" {
		t.Errorf("expected empty cursor at end of listing, got %q", page.NextCursor)
	}
}

func TestListFilesRejectsForeignCursor(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the server")
	})

	_, err := adapter.ListFiles(context.Background(), provider.Credentials{AccessToken: "tok"}, "https://evil.example.com/children")
	var fatalErr *provider.FatalError
	if !errors.As(err, &fatalErr) {
		t.Fatalf("expected FatalError, got %v", err)
	}
}

func TestListFilesMissingToken(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the server")
	})

	_, err := adapter.ListFiles(context.Background(), provider.Credentials{}, "")
	var authErr *provider.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestListFilesForbidden(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := adapter.ListFiles(context.Background(), provider.Credentials{AccessToken: "tok"}, "")
	var authErr *provider.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestListFilesRateLimited(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := adapter.ListFiles(context.Background(), provider.Credentials{AccessToken: "tok"}, "")
	var rateErr *provider.RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateErr.RetryAfter.Seconds() != 10 {
		t.Errorf("expected 10s retry-after, got %s", rateErr.RetryAfter)
	}
}

func TestListFilesServerError(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := adapter.ListFiles(context.Background(), provider.Credentials{AccessToken: "tok"}, "")
	var transErr *provider.TransientError
	if !errors.As(err, &transErr) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestRegisteredGlobally(t *testing.T) {
	if !provider.GlobalRegistry.HasKind("graph") {
		t.Error("expected graph adapter to self-register")
	}
}
