package pages

import (
	"errors"
	"strings"
	"testing"

	"github.com/kobodl/kobodl/internal/errs"
)

const signInPage = `<html><body>
<a class="kobo-link partner-option kobo" href="https://authorize.example.com/signin?workflowId=aaaabbbb-cccc-dddd-eeee-ffff00001111&amp;state=x">Sign in</a>
<form action="/signin">
<input name="__RequestVerificationToken" type="hidden" value="tok&amp;en" />
</form>
</body></html>`

func TestLoginForm(t *testing.T) {
	t.Parallel()
	workflowID, token, err := LoginForm(signInPage)
	if err != nil {
		t.Fatalf("LoginForm: %v", err)
	}
	if workflowID != "aaaabbbb-cccc-dddd-eeee-ffff00001111" {
		t.Fatalf("workflowID = %q", workflowID)
	}
	if token != "tok&en" {
		t.Fatalf("token = %q, want entity-decoded value", token)
	}
}

func TestLoginForm_FormatChanged(t *testing.T) {
	t.Parallel()
	_, _, err := LoginForm("<html><body>nothing here</body></html>")
	if !errors.Is(err, errs.ErrLoginPageChanged) {
		t.Fatalf("err = %v, want ErrLoginPageChanged", err)
	}
}

func TestAuthenticatedRedirect(t *testing.T) {
	t.Parallel()
	page := `<script>var next = 'kobo://UserAuthenticated?returnUrl=https%3A%2F%2Fwww.example.com&userKey=key-1&userId=user-1';</script>`
	userID, userKey, err := AuthenticatedRedirect(page)
	if err != nil {
		t.Fatalf("AuthenticatedRedirect: %v", err)
	}
	if userID != "user-1" || userKey != "key-1" {
		t.Fatalf("got (%q, %q)", userID, userKey)
	}
}

func TestAuthenticatedRedirect_ValidationError(t *testing.T) {
	t.Parallel()
	page := `<html><body>
<div class="validation-summary-errors"><ul><li>Please review your e-mail address.</li></ul></div>
</body></html>`
	_, _, err := AuthenticatedRedirect(page)
	if !errors.Is(err, errs.ErrLoginRejected) {
		t.Fatalf("err = %v, want ErrLoginRejected", err)
	}
	if want := "Please review your e-mail address."; !strings.Contains(err.Error(), want) {
		t.Fatalf("err = %q, want it to carry %q verbatim", err, want)
	}
}

func TestAuthenticatedRedirect_FormatChanged(t *testing.T) {
	t.Parallel()
	_, _, err := AuthenticatedRedirect("<html><body>no redirect, no errors</body></html>")
	if !errors.Is(err, errs.ErrLoginPageChanged) {
		t.Fatalf("err = %v, want ErrLoginPageChanged", err)
	}
}

func TestActivation(t *testing.T) {
	t.Parallel()
	page := `<html><body>
<div data-poll-endpoint="/device/poll/abc123"></div>
<img src="https://cdn.example.com/qrcodegenerator/generate?d=https%3A%2F%2Fwww.example.com%2Factivate%3F%26code%3D123456" />
</body></html>`
	pollPath, code, err := Activation(page)
	if err != nil {
		t.Fatalf("Activation: %v", err)
	}
	if pollPath != "/device/poll/abc123" {
		t.Fatalf("pollPath = %q", pollPath)
	}
	if code != "123456" {
		t.Fatalf("code = %q", code)
	}
}

func TestActivation_FormatChanged(t *testing.T) {
	t.Parallel()
	_, _, err := Activation(`<div data-poll-endpoint="/device/poll/abc123"></div>`)
	if !errors.Is(err, errs.ErrActivationPageChanged) {
		t.Fatalf("err = %v, want ErrActivationPageChanged", err)
	}
}

func TestUserTokens(t *testing.T) {
	t.Parallel()
	userID, userKey, err := UserTokens("kobo://UserAuthenticated?userId=u1&userKey=k1")
	if err != nil {
		t.Fatalf("UserTokens: %v", err)
	}
	if userID != "u1" || userKey != "k1" {
		t.Fatalf("got (%q, %q)", userID, userKey)
	}

	if _, _, err := UserTokens("kobo://UserAuthenticated?userId=u1"); err == nil {
		t.Fatalf("missing user key must be an error")
	}
}
