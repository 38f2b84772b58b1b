// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Session/authentication sentinels.
var (
	// ErrNotAuthenticated indicates an operation was attempted before device authentication.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrUnsupportedTokenType indicates the store returned a token scheme other than Bearer.
	ErrUnsupportedTokenType = errors.New("unsupported token type")

	// ErrIncompleteAuthentication indicates tokens are still missing after a successful auth call.
	ErrIncompleteAuthentication = errors.New("incomplete authentication")

	// ErrLoginRejected indicates the store rejected the submitted credentials or captcha.
	ErrLoginRejected = errors.New("login rejected")
)

// Scraped-page contract sentinels. Never retried: a retry cannot fix a format change.
var (
	// ErrLoginPageChanged indicates the sign-in page no longer matches the expected format.
	ErrLoginPageChanged = errors.New("login page format changed")

	// ErrActivationPageChanged indicates the activation page no longer matches the expected format.
	ErrActivationPageChanged = errors.New("activation page format changed")
)

// Content resolution and decryption sentinels.
var (
	// ErrDownloadURLNotFound indicates the metadata carries no download URL list at all.
	ErrDownloadURLNotFound = errors.New("download url not found")

	// ErrDownloadURLUnavailable indicates the URL list exists but is empty
	// (likely an archived book that must be restored on the vendor site first).
	ErrDownloadURLUnavailable = errors.New("download url unavailable")

	// ErrNoSupportedFormat indicates no candidate matched a supported (DRM, format) pair.
	ErrNoSupportedFormat = errors.New("no supported format")

	// ErrDrmDecryptionFailed indicates a cryptographic or structural failure while removing DRM.
	ErrDrmDecryptionFailed = errors.New("drm decryption failed")
)
