package line

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"golang.org/x/oauth2"
)

// ErrNoIDToken is returned when LINE's token response lacks an id_token,
// which happens when the openid scope was not granted.
var ErrNoIDToken = errors.New("line: token response has no id_token")

// Profile is the verified identity extracted from a LINE ID token.
type Profile struct {
	UserID  string `json:"sub"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	Email   string `json:"email"`

	IDToken     string `json:"-"`
	AccessToken string `json:"-"`
}

// Exchanger redeems authorization codes directly with LINE and verifies the
// returned ID token.
type Exchanger struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewExchanger returns an Exchanger for the channel. Web-login ID tokens are
// HS256-signed with the channel secret; ES256 tokens are checked against
// LINE's published keys.
func NewExchanger(ctx context.Context, channelID, channelSecret, redirectURI string) *Exchanger {
	keys := &channelKeySet{
		secret: []byte(channelSecret),
		remote: oidc.NewRemoteKeySet(ctx, JWKSURL),
	}
	return newExchanger(Config(channelID, channelSecret, redirectURI), keys, nil)
}

func newExchanger(cfg *oauth2.Config, keys oidc.KeySet, oidcCfg *oidc.Config) *Exchanger {
	if oidcCfg == nil {
		oidcCfg = &oidc.Config{}
	}
	oidcCfg.ClientID = cfg.ClientID
	oidcCfg.SupportedSigningAlgs = []string{"HS256", oidc.ES256}
	return &Exchanger{
		oauth:    cfg,
		verifier: oidc.NewVerifier(Issuer, keys, oidcCfg),
	}
}

// Exchange trades code for tokens and returns the verified profile.
func (e *Exchanger) Exchange(ctx context.Context, code string) (*Profile, error) {
	token, err := e.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("line code exchange: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrNoIDToken
	}

	profile, err := e.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	profile.AccessToken = token.AccessToken
	return profile, nil
}

// Verify checks an ID token's signature, issuer, audience and expiry.
func (e *Exchanger) Verify(ctx context.Context, rawIDToken string) (*Profile, error) {
	idToken, err := e.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify line id token: %w", err)
	}

	var profile Profile
	if err := idToken.Claims(&profile); err != nil {
		return nil, fmt.Errorf("decode line id token claims: %w", err)
	}
	profile.IDToken = rawIDToken
	return &profile, nil
}

// channelKeySet verifies HS256 tokens with the channel secret and defers any
// other algorithm to the remote JWKS.
type channelKeySet struct {
	secret []byte
	remote oidc.KeySet
}

func (k *channelKeySet) VerifySignature(ctx context.Context, jwt string) ([]byte, error) {
	jws, err := jose.ParseSignedCompact(jwt, []jose.SignatureAlgorithm{jose.HS256, jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("line: parse id token: %w", err)
	}

	if alg := jws.Signatures[0].Header.Algorithm; alg != string(jose.HS256) {
		if k.remote == nil {
			return nil, fmt.Errorf("line: no key set for alg %s", alg)
		}
		return k.remote.VerifySignature(ctx, jwt)
	}

	payload, err := jws.Verify(k.secret)
	if err != nil {
		return nil, fmt.Errorf("line: id token signature: %w", err)
	}
	return payload, nil
}
