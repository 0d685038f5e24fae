// Package provider defines the cloud document provider adapter interface and
// the registry for instantiating adapter implementations. Supported providers
// are Drive-style and Graph-style document APIs. New providers are added by
// implementing the Adapter interface and registering a builder — no changes
// to the core registry logic are required.
//
// Adapters are pure translation layers: they speak the provider's wire
// protocol and map responses into FileDescriptor values and taxonomy errors.
// They never persist anything, never retry, and never refresh tokens; those
// policies belong to the sync orchestrator.
package provider

import (
	"context"
	"net/http"
	"time"
)

// Credentials carries the decrypted access token for one call. It exists only
// in memory for the duration of a request.
type Credentials struct {
	AccessToken string
}

// FileDescriptor is the provider-neutral shape of one file's metadata
type FileDescriptor struct {
	ExternalID   string
	Name         string
	MimeType     string
	SizeBytes    int64
	ModifiedTime *time.Time
}

// Page is one page of a file listing. NextCursor is opaque to callers; an
// empty cursor means the listing is complete.
type Page struct {
	Files      []FileDescriptor
	NextCursor string
}

// Adapter defines the operations available on a cloud document provider
type Adapter interface {
	// Kind returns the provider kind ("drive", "graph")
	Kind() string

	// ListFiles fetches one page of file metadata. An empty cursor starts
	// from the beginning; pass Page.NextCursor to continue.
	ListFiles(ctx context.Context, creds Credentials, cursor string) (*Page, error)
}

// Settings configures an adapter instance
type Settings struct {
	Kind          string
	APIBaseURL    string
	TokenEndpoint string
	PageSize      int

	// HTTPClient overrides the default client, mainly for tests
	HTTPClient *http.Client
}

// Validate checks the settings are complete enough to build an adapter
func (s *Settings) Validate() error {
	if s.Kind == "" {
		return ErrUnknownProviderKind
	}
	if s.APIBaseURL == "" {
		return ErrBaseURLRequired
	}
	if s.PageSize <= 0 {
		s.PageSize = 100
	}
	return nil
}

// Client returns the configured HTTP client or a default with a sane timeout
func (s *Settings) Client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}
