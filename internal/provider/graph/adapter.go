// Package graph implements the provider adapter for Graph-style document
// APIs (drive children listing with @odata.nextLink continuation URLs,
// numeric sizes, nested file facets).
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudsync/cloudsync/internal/provider"
)

func init() {
	provider.RegisterAdapter("graph", func(settings *provider.Settings) (provider.Adapter, error) {
		return New(settings)
	})
}

// GraphAdapter translates Graph-style listing responses into the
// provider-neutral shape
type GraphAdapter struct {
	apiURL   string
	pageSize int
	client   *http.Client
}

// New creates a Graph adapter from validated settings
func New(settings *provider.Settings) (*GraphAdapter, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &GraphAdapter{
		apiURL:   settings.APIBaseURL,
		pageSize: settings.PageSize,
		client:   settings.Client(),
	}, nil
}

// Kind returns the provider kind
func (a *GraphAdapter) Kind() string { return "graph" }

// graphItem is the wire shape of one drive item. Folders carry a folder
// facet instead of a file facet and are skipped.
type graphItem struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Size                 int64  `json:"size"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder *struct{} `json:"folder"`
}

// ListFiles fetches one page of file metadata. The cursor is the full
// @odata.nextLink continuation URL handed back by the previous page.
func (a *GraphAdapter) ListFiles(ctx context.Context, creds provider.Credentials, cursor string) (*provider.Page, error) {
	if creds.AccessToken == "" {
		return nil, &provider.AuthError{Provider: "graph", Err: provider.ErrAccessTokenRequired}
	}

	endpoint := cursor
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s/me/drive/root/children?$top=%d", a.apiURL, a.pageSize)
	} else if !strings.HasPrefix(endpoint, a.apiURL) {
		// Continuation URLs must point back at the configured API host.
		return nil, &provider.FatalError{Provider: "graph", Err: fmt.Errorf("refusing foreign continuation URL %q", endpoint)}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: create list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &provider.TransientError{Provider: "graph", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyStatus("graph", resp.StatusCode, retryAfter(resp), nil)
	}

	var result struct {
		Value    []graphItem `json:"value"`
		NextLink string      `json:"@odata.nextLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &provider.FatalError{Provider: "graph", Err: fmt.Errorf("decode list response: %w", err)}
	}

	page := &provider.Page{
		Files:      make([]provider.FileDescriptor, 0, len(result.Value)),
		NextCursor: result.NextLink,
	}
	for _, item := range result.Value {
		if item.Folder != nil {
			continue
		}
		page.Files = append(page.Files, convertItem(&item))
	}
	return page, nil
}

func convertItem(item *graphItem) provider.FileDescriptor {
	desc := provider.FileDescriptor{
		ExternalID: item.ID,
		Name:       item.Name,
		SizeBytes:  item.Size,
	}
	if item.File != nil {
		desc.MimeType = item.File.MimeType
	}
	if item.LastModifiedDateTime != "" {
		if ts, err := time.Parse(time.RFC3339, item.LastModifiedDateTime); err == nil {
			desc.ModifiedTime = &ts
		}
	}
	return desc
}

func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
