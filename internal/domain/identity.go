package domain

// View names a client-visible step of the access flow.
type View string

const (
	ViewLogin     View = "login"
	ViewDashboard View = "dashboard"
	ViewPayment   View = "payment"
	ViewThankYou  View = "thank-you"
)

// Path returns the client route for the view. Embedded clients keep the
// iframe marker on every redirect.
func (v View) Path(embedded bool) string {
	path := "/" + string(v)
	if embedded {
		path += "?iframe=1"
	}
	return path
}

// Identity is the visitor state held by a session. All fields are replaced
// together; an Identity without a PublicKey means "no session".
type Identity struct {
	PublicKey     string `json:"pubkey"`
	IsAuthorized  bool   `json:"is_whitelisted"`
	TimeRemaining *int64 `json:"time_remaining,omitempty"`
	DisplayID     string `json:"npub,omitempty"`
}

// Present reports whether the identity carries a public key.
func (i Identity) Present() bool {
	return i.PublicKey != ""
}

// Authorization is the relay's answer for a public key. It is never cached.
type Authorization struct {
	IsWhitelisted bool
	TimeRemaining *int64
	DisplayID     string
}

// Apply folds an authorization result into the identity.
func (i Identity) Apply(a Authorization) Identity {
	i.IsAuthorized = a.IsWhitelisted
	i.TimeRemaining = a.TimeRemaining
	i.DisplayID = a.DisplayID
	return i
}
