package kobo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kobodl/kobodl/internal/errs"
)

// Sync headers carrying the continuation protocol. The cursor is opaque and
// echoed verbatim on the next request.
const (
	syncResultHeader = "x-kobo-sync"
	syncTokenHeader  = "x-kobo-synctoken"
	syncContinue     = "continue"
)

// Entitlement is one raw entry of the library sync payload.
type Entitlement struct {
	NewEntitlement *NewEntitlement `json:"NewEntitlement"`
}

// NewEntitlement wraps the per-kind metadata and rights containers. Exactly
// one metadata container is present for recognized entries.
type NewEntitlement struct {
	BookEntitlement             *BookEntitlement `json:"BookEntitlement"`
	AudiobookEntitlement        *BookEntitlement `json:"AudiobookEntitlement"`
	BookMetadata                *BookMetadata    `json:"BookMetadata"`
	AudiobookMetadata           *BookMetadata    `json:"AudiobookMetadata"`
	BookSubscriptionEntitlement json.RawMessage  `json:"BookSubscriptionEntitlement"`
	ReadingState                *ReadingState    `json:"ReadingState"`
}

// BookEntitlement carries the account's rights over one title.
type BookEntitlement struct {
	Accessibility string `json:"Accessibility"`
	IsLocked      bool   `json:"IsLocked"`
	IsRemoved     bool   `json:"IsRemoved"`
}

// ReadingState tracks per-title reading progress.
type ReadingState struct {
	StatusInfo *struct {
		Status string `json:"Status"`
	} `json:"StatusInfo"`
}

// ContributorRole names one contributor; Role is often empty in sync payloads.
type ContributorRole struct {
	Name string `json:"Name"`
	Role string `json:"Role"`
}

// ContentURL is one download candidate. The store uses two spellings for the
// DRM key and two for the URL key, historical artifacts of the API.
type ContentURL struct {
	DrmType     string `json:"DrmType"`
	DRMType     string `json:"DRMType"`
	DownloadURL string `json:"DownloadUrl"`
	URL         string `json:"Url"`
	URLFormat   string `json:"UrlFormat"`
}

// Drm returns the candidate's DRM token, whichever spelling is populated.
func (c *ContentURL) Drm() string {
	if c.DrmType != "" {
		return c.DrmType
	}
	return c.DRMType
}

// Location returns the candidate's download URL, whichever key is populated.
func (c *ContentURL) Location() string {
	if c.DownloadURL != "" {
		return c.DownloadURL
	}
	return c.URL
}

// BookMetadata is the per-title metadata container. Audiobooks embed their
// download candidates directly here; ebooks require a rights-check call.
type BookMetadata struct {
	RevisionID       string            `json:"RevisionId"`
	ID               string            `json:"Id"`
	Title            string            `json:"Title"`
	ContributorRoles []ContributorRole `json:"ContributorRoles"`
	ContentURLs      []ContentURL      `json:"ContentUrls"`
	DownloadURLs     []ContentURL      `json:"DownloadUrls"`
}

// ProductID returns the title's primary identifier, preferring the revision id.
func (m *BookMetadata) ProductID() string {
	if m.RevisionID != "" {
		return m.RevisionID
	}
	return m.ID
}

// Author joins the title's authors. The role field is rarely filled in sync
// payloads, so the first contributor is used as a fallback.
func (m *BookMetadata) Author() string {
	var authors []string
	for _, c := range m.ContributorRoles {
		if c.Role == "Author" {
			authors = append(authors, c.Name)
		}
	}
	if len(authors) == 0 && len(m.ContributorRoles) > 0 {
		authors = append(authors, m.ContributorRoles[0].Name)
	}
	out := ""
	for i, a := range authors {
		if i > 0 {
			out += " & "
		}
		out += a
	}
	return out
}

// GetBookList returns the full library: every page of the sync endpoint,
// concatenated in server order, no dedup. The cursor protocol owns
// uniqueness.
func (c *Client) GetBookList(ctx context.Context) ([]Entitlement, error) {
	if !c.user.AreAuthenticationSettingsSet() {
		return nil, fmt.Errorf("user %s: %w", c.user.Email, errs.ErrNotAuthenticated)
	}

	var full []Entitlement
	syncToken := ""
	for {
		page, next, err := c.bookListPage(ctx, syncToken)
		if err != nil {
			return nil, err
		}
		full = append(full, page...)
		if next == "" {
			return full, nil
		}
		syncToken = next
	}
}

// bookListPage fetches one sync page. An empty returned token means no more
// pages.
func (c *Client) bookListPage(ctx context.Context, syncToken string) ([]Entitlement, string, error) {
	syncURL, err := c.endpoint("library_sync")
	if err != nil {
		return nil, "", err
	}

	resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, syncURL, nil)
		if err != nil {
			return nil, err
		}
		if syncToken != "" {
			req.Header.Set(syncTokenHeader, syncToken)
		}
		return req, nil
	})
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, "", err
	}

	var page []Entitlement
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("decoding sync page: %w", err)
	}

	next := ""
	if resp.Header.Get(syncResultHeader) == syncContinue {
		next = resp.Header.Get(syncTokenHeader)
	}
	return page, next, nil
}

// GetBookInfo fetches one title's full metadata, trying the ebook endpoint
// first and falling back to the audiobook endpoint.
func (c *Client) GetBookInfo(ctx context.Context, productID string) (*BookMetadata, error) {
	get := func(name string) (*http.Response, error) {
		tmpl, err := c.endpoint(name)
		if err != nil {
			return nil, err
		}
		u := urlFromTemplate(tmpl, productID)
		return c.doAuthed(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		})
	}

	resp, err := get("book")
	if err == nil && checkStatus(resp) != nil {
		resp.Body.Close()
		resp, err = get("audiobook")
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var meta BookMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding book info: %w", err)
	}
	return &meta, nil
}

// GetWishList returns every item on the account's wishlist using index-based
// paging (unlike the library, this endpoint reports a total page count).
func (c *Client) GetWishList(ctx context.Context) ([]json.RawMessage, error) {
	if !c.user.AreAuthenticationSettingsSet() {
		return nil, fmt.Errorf("user %s: %w", c.user.Email, errs.ErrNotAuthenticated)
	}
	wishURL, err := c.endpoint("user_wishlist")
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	for pageIndex := 0; ; pageIndex++ {
		resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, wishURL, nil)
			if err != nil {
				return nil, err
			}
			q := url.Values{
				"PageIndex": {strconv.Itoa(pageIndex)},
				"PageSize":  {"100"},
			}
			req.URL.RawQuery = q.Encode()
			return req, nil
		})
		if err != nil {
			return nil, err
		}
		if err := checkStatus(resp); err != nil {
			resp.Body.Close()
			return nil, err
		}
		var page struct {
			Items          []json.RawMessage `json:"Items"`
			TotalPageCount int               `json:"TotalPageCount"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding wishlist page: %w", err)
		}

		items = append(items, page.Items...)
		if pageIndex+1 >= page.TotalPageCount {
			return items, nil
		}
	}
}
