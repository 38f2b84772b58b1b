// Package pages parses protocol parameters out of the store's HTML pages.
// The pages are an external, versioned contract: every extraction failure
// surfaces as a typed format-changed error so drift is detectable without
// touching the session state machine.
package pages

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/kobodl/kobodl/internal/errs"
)

var (
	workflowIDRe        = regexp.MustCompile(`\?workflowId=([^"]{36})`)
	verificationTokenRe = regexp.MustCompile(`<input name="__RequestVerificationToken" type="hidden" value="([^"]+)" />`)
	authenticatedURLRe  = regexp.MustCompile(`'(kobo://UserAuthenticated\?[^']+)';`)
	pollEndpointRe      = regexp.MustCompile(`data-poll-endpoint="([^"]+)"`)
	activationCodeRe    = regexp.MustCompile(`qrcodegenerator/generate.+?%26code%3D(\d+)`)
)

// LoginForm extracts the workflow id and anti-forgery token from the sign-in page.
func LoginForm(page string) (workflowID, verificationToken string, err error) {
	m := workflowIDRe.FindStringSubmatch(page)
	if m == nil {
		return "", "", fmt.Errorf("workflow id not found: %w", errs.ErrLoginPageChanged)
	}
	workflowID = html.UnescapeString(m[1])

	m = verificationTokenRe.FindStringSubmatch(page)
	if m == nil {
		return "", "", fmt.Errorf("request verification token not found: %w", errs.ErrLoginPageChanged)
	}
	verificationToken = html.UnescapeString(m[1])

	return workflowID, verificationToken, nil
}

// AuthenticatedRedirect extracts the post-login success redirect carrying the
// user id and user key. When the redirect is absent it inspects the page for
// an embedded validation error and surfaces it verbatim.
func AuthenticatedRedirect(page string) (userID, userKey string, err error) {
	m := authenticatedURLRe.FindStringSubmatch(page)
	if m == nil {
		if msg := validationError(page); msg != "" {
			return "", "", fmt.Errorf("%w: %s", errs.ErrLoginRejected, msg)
		}
		return "", "", fmt.Errorf("authenticated user url not found: %w", errs.ErrLoginPageChanged)
	}
	return UserTokens(m[1])
}

// Activation extracts the poll endpoint path and the short numeric display
// code from the activation page.
func Activation(page string) (pollPath, code string, err error) {
	m := pollEndpointRe.FindStringSubmatch(page)
	if m == nil {
		return "", "", fmt.Errorf("poll endpoint not found: %w", errs.ErrActivationPageChanged)
	}
	pollPath = html.UnescapeString(m[1])

	m = activationCodeRe.FindStringSubmatch(page)
	if m == nil {
		return "", "", fmt.Errorf("activation code not found: %w", errs.ErrActivationPageChanged)
	}
	code = m[1]

	return pollPath, code, nil
}

// UserTokens parses the userId and userKey query parameters from a
// redirect-style URL.
func UserTokens(redirectURL string) (userID, userKey string, err error) {
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing redirect url: %w", err)
	}
	q := parsed.Query()
	userID = q.Get("userId")
	userKey = q.Get("userKey")
	if userID == "" || userKey == "" {
		return "", "", fmt.Errorf("redirect url carries no user tokens: %w", errs.ErrLoginPageChanged)
	}
	return userID, userKey, nil
}

// validationError returns the text of the sign-in page's validation summary,
// if any.
func validationError(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	node := findByClass(doc, "validation-summary-errors")
	if node == nil {
		node = findByClass(doc, "field-validation-error")
	}
	if node == nil {
		return ""
	}
	return strings.TrimSpace(nodeText(node))
}

func findByClass(n *html.Node, class string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key != "class" {
				continue
			}
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return n
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClass(c, class); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
	}
	return sb.String()
}
