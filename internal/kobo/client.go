// Package kobo implements the store's private device API: session and
// credential lifecycle, paginated library synchronization, and content
// resolution and download. Front ends (CLI, web) call the exported methods;
// the package never reads user input itself.
package kobo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kobodl/kobodl/internal/model"
)

// Protocol constants of the simulated reading device.
const (
	affiliate             = "Kobo"
	applicationVersion    = "8.11.24971"
	defaultPlatformID     = "00000000-0000-0000-0000-000000004000"
	defaultDisplayProfile = "Android"
	deviceOS              = "3.0.35+"
	deviceOSVersion       = "NA"

	requestTimeout = 30 * time.Second
)

// SaveFunc persists the client's user after every successful credential
// mutation. Supplied by the credential store.
type SaveFunc func() error

// Client talks to the store API on behalf of one user identity.
type Client struct {
	httpClient *http.Client
	user       *model.User
	save       SaveFunc
	log        *zap.Logger

	// Overridable in tests.
	storeBase    string
	authBase     string
	pollInterval time.Duration

	initSettings map[string]string

	activationMu sync.Mutex
	activation   *ActivationState
}

// NewClient constructs a client bound to user. save is invoked after every
// successful token mutation; log must not be nil.
func NewClient(user *model.User, save SaveFunc, log *zap.Logger) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: requestTimeout},
		user:         user,
		save:         save,
		log:          log,
		storeBase:    "https://storeapi.kobo.com",
		authBase:     "https://auth.kobobooks.com",
		pollInterval: activationPollInterval,
	}
}

// User returns the identity this client operates on.
func (c *Client) User() *model.User { return c.user }

// LoadInitializationSettings fetches the endpoint template map from the
// capability discovery endpoint. Must be called once authentication has been
// done and before any library or content operation.
func (c *Client) LoadInitializationSettings(ctx context.Context) error {
	resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.storeBase+"/v1/initialization", nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var payload struct {
		Resources map[string]string `json:"Resources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decoding initialization response: %w", err)
	}
	c.initSettings = payload.Resources
	return nil
}

// endpoint returns a named endpoint template from the initialization map.
func (c *Client) endpoint(name string) (string, error) {
	u, ok := c.initSettings[name]
	if !ok {
		return "", fmt.Errorf("initialization settings carry no %q endpoint (was LoadInitializationSettings called?)", name)
	}
	return u, nil
}

// doAuthed issues an authenticated request built by build, repairing an
// expired access token exactly once: on a 401 it refreshes the token pair,
// rebuilds the request with the new bearer header, and re-issues it. A second
// 401 is returned to the caller unmodified. This is just-in-time credential
// repair, not a resilience mechanism.
func (c *Client) doAuthed(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.user.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.log.Info("refreshing expired authentication token")
	if err := c.RefreshAuthentication(ctx); err != nil {
		return nil, err
	}

	retry, err := build()
	if err != nil {
		return nil, err
	}
	retry.Header.Set("Authorization", "Bearer "+c.user.AccessToken)
	return c.httpClient.Do(retry)
}

// postJSON posts body as JSON without the reauthentication pass. The auth
// endpoints themselves must never trigger a refresh.
func (c *Client) postJSON(ctx context.Context, url string, body any, bearer bool) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer {
		req.Header.Set("Authorization", "Bearer "+c.user.AccessToken)
	}
	return c.httpClient.Do(req)
}

// get issues an unauthenticated GET with query parameters.
func (c *Client) get(ctx context.Context, rawURL string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if params != nil {
		q := req.URL.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
	}
	return c.httpClient.Do(req)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %s: unexpected status %d: %s",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
}

func readBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
