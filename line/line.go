// Package line builds LINE Login authorize URLs, encodes the return-URL state
// that travels through them, and exchanges authorization codes for verified
// LINE profiles.
package line

import (
	"golang.org/x/oauth2"
)

// LINE Login v2.1 endpoints.
const (
	AuthorizeURL = "https://access.line.me/oauth2/v2.1/authorize"
	TokenURL     = "https://api.line.me/oauth2/v2.1/token"
	Issuer       = "https://access.line.me"
	JWKSURL      = "https://api.line.me/oauth2/v2.1/certs"
)

// Scopes requested from LINE.
var Scopes = []string{"profile", "openid"}

// Endpoint returns the LINE OAuth endpoint. LINE expects client credentials
// in the form body.
func Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   AuthorizeURL,
		TokenURL:  TokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// Config returns the OAuth2 configuration for a LINE channel. The secret may
// be empty when the config is only used to build authorize URLs.
func Config(channelID, channelSecret, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     channelID,
		ClientSecret: channelSecret,
		Endpoint:     Endpoint(),
		RedirectURL:  redirectURI,
		Scopes:       Scopes,
	}
}

// LoginURL returns the authorize URL that sends the user to LINE and back to
// redirectURI, remembering returnURL in the state parameter.
func LoginURL(channelID, redirectURI, returnURL string) string {
	return Config(channelID, "", redirectURI).AuthCodeURL(EncodeState(returnURL))
}
