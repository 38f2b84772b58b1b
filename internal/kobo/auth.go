package kobo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/kobodl/kobodl/internal/errs"
	"github.com/kobodl/kobodl/internal/pages"
)

// ActivationState is the transient state of an in-progress web activation.
type ActivationState struct {
	PollURL string
	// Code is the short numeric code the user enters on the vendor's
	// activation site.
	Code string
}

// activationPollInterval is the fixed delay between activation poll requests.
const activationPollInterval = 5 * time.Second

type authResponse struct {
	TokenType    string `json:"TokenType"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	UserKey      string `json:"UserKey"`
}

// AuthenticateDevice registers the device with the store and obtains a fresh
// access/refresh token pair. A user key from a completed login attaches the
// human account to the device; the initial anonymous call needs none (and the
// user key it returns is unusable).
func (c *Client) AuthenticateDevice(ctx context.Context, userKey string) error {
	if c.user.DeviceID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		c.user.DeviceID = id.String()
		// A fresh device cannot reuse tokens issued to the old one.
		c.user.AccessToken = ""
		c.user.RefreshToken = ""
	}

	body := map[string]string{
		"AffiliateName": affiliate,
		"AppVersion":    applicationVersion,
		"ClientKey":     base64.StdEncoding.EncodeToString([]byte(defaultPlatformID)),
		"DeviceId":      c.user.DeviceID,
		"PlatformId":    defaultPlatformID,
	}
	if userKey != "" {
		body["UserKey"] = userKey
	}

	resp, err := c.postJSON(ctx, c.storeBase+"/v1/auth/device", body, false)
	if err != nil {
		return err
	}
	auth, err := decodeAuthResponse(resp)
	if err != nil {
		return fmt.Errorf("device authentication: %w", err)
	}

	c.user.AccessToken = auth.AccessToken
	c.user.RefreshToken = auth.RefreshToken
	if !c.user.AreAuthenticationSettingsSet() {
		return fmt.Errorf("device authentication: %w", errs.ErrIncompleteAuthentication)
	}
	if userKey != "" {
		c.user.UserKey = auth.UserKey
	}

	return c.save()
}

// RefreshAuthentication exchanges the refresh token for a new token pair.
// Never routed through the reauthentication pass: a 401 here is final.
func (c *Client) RefreshAuthentication(ctx context.Context) error {
	body := map[string]string{
		"AppVersion":   applicationVersion,
		"ClientKey":    base64.StdEncoding.EncodeToString([]byte(defaultPlatformID)),
		"PlatformId":   defaultPlatformID,
		"RefreshToken": c.user.RefreshToken,
	}

	resp, err := c.postJSON(ctx, c.storeBase+"/v1/auth/refresh", body, true)
	if err != nil {
		return err
	}
	auth, err := decodeAuthResponse(resp)
	if err != nil {
		return fmt.Errorf("authentication refresh: %w", err)
	}

	c.user.AccessToken = auth.AccessToken
	c.user.RefreshToken = auth.RefreshToken
	if !c.user.AreAuthenticationSettingsSet() {
		return fmt.Errorf("authentication refresh: %w", errs.ErrIncompleteAuthentication)
	}

	return c.save()
}

func decodeAuthResponse(resp *http.Response) (*authResponse, error) {
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, err
	}
	if auth.TokenType != "Bearer" {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnsupportedTokenType, auth.TokenType)
	}
	return &auth, nil
}

// Login performs the credential-form flow: scrape the sign-in page for the
// workflow id and anti-forgery token, submit the form, parse the post-login
// page for the success redirect, and register the device with the obtained
// user key.
func (c *Client) Login(ctx context.Context, email, password, captcha string) error {
	signInURL, workflowID, verificationToken, err := c.loginParameters(ctx)
	if err != nil {
		return err
	}

	form := url.Values{
		"LogInModel.WorkflowId": {workflowID},
		"LogInModel.Provider":   {affiliate},
		"ReturnUrl":             {""},
		"__RequestVerificationToken": {verificationToken},
		"LogInModel.UserName":        {email},
		"LogInModel.Password":        {password},
		"g-recaptcha-response":       {captcha},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signInURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	page, err := readBody(resp)
	if err != nil {
		return err
	}

	userID, userKey, err := pages.AuthenticatedRedirect(page)
	if err != nil {
		return err
	}

	// Not saved here: AuthenticateDevice persists if it succeeds.
	c.user.UserID = userID
	return c.AuthenticateDevice(ctx, userKey)
}

// loginParameters fetches the sign-in page and extracts the parameters the
// form post requires.
func (c *Client) loginParameters(ctx context.Context) (signInURL, workflowID, verificationToken string, err error) {
	pageURL, err := c.endpoint("sign_in_page")
	if err != nil {
		return "", "", "", err
	}

	params := url.Values{
		"wsa":    {affiliate},
		"pwsav":  {applicationVersion},
		"pwspid": {defaultPlatformID},
		"pwsdid": {c.user.DeviceID},
	}
	resp, err := c.get(ctx, pageURL, params)
	if err != nil {
		return "", "", "", err
	}
	page, err := readBody(resp)
	if err != nil {
		return "", "", "", err
	}

	workflowID, verificationToken, err = pages.LoginForm(page)
	if err != nil {
		return "", "", "", err
	}

	// The affiliate sign-in form posts to a fixed path on the same host.
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", "", "", err
	}
	parsed.RawQuery = ""
	parsed.Path = "/ww/en/signin/signin/kobo"
	return parsed.String(), workflowID, verificationToken, nil
}

// ActivateOnWeb starts the headless web-activation flow and returns the state
// the front end displays to the user. Only one activation may be in progress
// per client.
func (c *Client) ActivateOnWeb(ctx context.Context) (*ActivationState, error) {
	c.activationMu.Lock()
	defer c.activationMu.Unlock()
	if c.activation != nil {
		return nil, fmt.Errorf("an activation is already in progress (code %s)", c.activation.Code)
	}

	params := url.Values{
		"pwspid": {defaultPlatformID},
		"wsa":    {affiliate},
		"pwsdid": {c.user.DeviceID},
		"pwsav":  {applicationVersion},
		"pwsdm":  {defaultPlatformID},
		"pwspos": {deviceOS},
		"pwspov": {deviceOSVersion},
	}
	resp, err := c.get(ctx, c.authBase+"/ActivateOnWeb", params)
	if err != nil {
		return nil, err
	}
	page, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	pollPath, code, err := pages.Activation(page)
	if err != nil {
		return nil, err
	}

	c.activation = &ActivationState{PollURL: c.authBase + pollPath, Code: code}
	return c.activation, nil
}

// WaitForActivation polls the activation endpoint at a fixed interval until
// the user completes sign-in in their browser, then registers the device with
// the obtained user key. Polling is unbounded; cancel ctx to abandon it. The
// activation state is cleared on completion or abandonment.
func (c *Client) WaitForActivation(ctx context.Context) error {
	c.activationMu.Lock()
	state := c.activation
	c.activationMu.Unlock()
	if state == nil {
		return fmt.Errorf("no activation in progress")
	}
	defer func() {
		c.activationMu.Lock()
		c.activation = nil
		c.activationMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
		c.log.Info("waiting for activation to finish")

		done, userID, userKey, err := c.pollActivation(ctx, state.PollURL)
		if err != nil {
			return err
		}
		if !done {
			continue
		}

		c.user.UserID = userID
		return c.AuthenticateDevice(ctx, userKey)
	}
}

func (c *Client) pollActivation(ctx context.Context, pollURL string) (done bool, userID, userKey string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pollURL, nil)
	if err != nil {
		return false, "", "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, "", "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return false, "", "", err
	}

	var status struct {
		Status      string `json:"Status"`
		RedirectURL string `json:"RedirectUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, "", "", fmt.Errorf("activation status is not JSON: %w", err)
	}
	if status.Status != "Complete" {
		return false, "", "", nil
	}

	userID, userKey, err = pages.UserTokens(status.RedirectURL)
	if err != nil {
		return false, "", "", fmt.Errorf("activation redirect: %w", err)
	}
	return true, userID, userKey, nil
}
