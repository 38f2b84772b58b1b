// Package model defines domain entities shared by the store client and front ends.
package model

// User is one store account bound to a simulated reading device. Tokens are
// opaque bearer credentials replaced as a pair on every refresh or device
// authentication.
type User struct {
	Email        string `json:"Email"`
	DeviceID     string `json:"DeviceId"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	UserID       string `json:"UserId"`
	UserKey      string `json:"UserKey"`
}

// AreAuthenticationSettingsSet reports whether the device identity is complete
// enough to call authenticated endpoints.
func (u *User) AreAuthenticationSettingsSet() bool {
	return u.DeviceID != "" && u.AccessToken != "" && u.RefreshToken != ""
}

// IsLoggedIn reports whether a human account has been attached to the device.
func (u *User) IsLoggedIn() bool {
	return u.UserID != "" && u.UserKey != ""
}

// BookType classifies one library entitlement.
type BookType int

const (
	BookTypeUnknown BookType = iota
	BookTypeEbook
	BookTypeAudiobook
	// BookTypeSubscription marks placeholder entitlements from subscription
	// plans; they have no downloadable content of their own.
	BookTypeSubscription
)

func (t BookType) String() string {
	switch t {
	case BookTypeEbook:
		return "ebook"
	case BookTypeAudiobook:
		return "audiobook"
	case BookTypeSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// Book is one row of the account's library as reported by the sync endpoint.
// Derived per fetch, never persisted.
type Book struct {
	RevisionID string
	Title      string
	Author     string
	Type       BookType
	Archived   bool
	Read       bool
	Owner      *User
}
