// Package drive implements the provider adapter for Drive-style document
// APIs (files.list pagination with pageToken cursors, string-encoded sizes,
// RFC 3339 modification timestamps).
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cloudsync/cloudsync/internal/provider"
)

func init() {
	provider.RegisterAdapter("drive", func(settings *provider.Settings) (provider.Adapter, error) {
		return New(settings)
	})
}

// DriveAdapter translates Drive-style listing responses into the
// provider-neutral shape
type DriveAdapter struct {
	apiURL   string
	pageSize int
	client   *http.Client
}

// New creates a Drive adapter from validated settings
func New(settings *provider.Settings) (*DriveAdapter, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &DriveAdapter{
		apiURL:   settings.APIBaseURL,
		pageSize: settings.PageSize,
		client:   settings.Client(),
	}, nil
}

// Kind returns the provider kind
func (a *DriveAdapter) Kind() string { return "drive" }

// driveFile is the wire shape of one file entry. Size arrives as a decimal
// string, not a number.
type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	Size         string `json:"size"`
	ModifiedTime string `json:"modifiedTime"`
}

// ListFiles fetches one page of file metadata
func (a *DriveAdapter) ListFiles(ctx context.Context, creds provider.Credentials, cursor string) (*provider.Page, error) {
	if creds.AccessToken == "" {
		return nil, &provider.AuthError{Provider: "drive", Err: provider.ErrAccessTokenRequired}
	}

	params := url.Values{}
	params.Set("pageSize", strconv.Itoa(a.pageSize))
	params.Set("fields", "nextPageToken,files(id,name,mimeType,size,modifiedTime)")
	if cursor != "" {
		params.Set("pageToken", cursor)
	}
	endpoint := fmt.Sprintf("%s/files?%s", a.apiURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("drive: create list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &provider.TransientError{Provider: "drive", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyStatus("drive", resp.StatusCode, retryAfter(resp), nil)
	}

	var result struct {
		NextPageToken string      `json:"nextPageToken"`
		Files         []driveFile `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &provider.FatalError{Provider: "drive", Err: fmt.Errorf("decode list response: %w", err)}
	}

	page := &provider.Page{
		Files:      make([]provider.FileDescriptor, 0, len(result.Files)),
		NextCursor: result.NextPageToken,
	}
	for _, f := range result.Files {
		page.Files = append(page.Files, convertFile(&f))
	}
	return page, nil
}

// convertFile maps one wire entry to the neutral descriptor. Unparseable
// sizes and timestamps degrade to zero values rather than failing the page.
func convertFile(f *driveFile) provider.FileDescriptor {
	desc := provider.FileDescriptor{
		ExternalID: f.ID,
		Name:       f.Name,
		MimeType:   f.MimeType,
	}
	if f.Size != "" {
		if size, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
			desc.SizeBytes = size
		}
	}
	if f.ModifiedTime != "" {
		if ts, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			desc.ModifiedTime = &ts
		}
	}
	return desc
}

// retryAfter parses the Retry-After response header, zero when absent
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
