package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSourceCredentials resolves the login token from an oauth2 token source
// at the start of every connection attempt, so reconnects pick up refreshed tokens.
type TokenSourceCredentials struct {
	Username string
	Source   oauth2.TokenSource
}

// StaticCredentials returns credentials backed by a fixed token
func StaticCredentials(username, token string) *TokenSourceCredentials {
	return &TokenSourceCredentials{
		Username: username,
		Source:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
	}
}

// ClientCredentials returns credentials backed by an OAuth2 client-credentials grant.
// The token is cached and refreshed by the oauth2 package when it expires.
func ClientCredentials(ctx context.Context, username, clientID, clientSecret, tokenURL string, scopes ...string) *TokenSourceCredentials {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &TokenSourceCredentials{
		Username: username,
		Source:   cfg.TokenSource(ctx),
	}
}

// Credentials implements CredentialSource
func (c *TokenSourceCredentials) Credentials(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	if c.Source == nil {
		return Credentials{}, &AuthError{Reason: "no token source configured"}
	}
	tok, err := c.Source.Token()
	if err != nil {
		if tokenRejected(err) {
			return Credentials{}, &AuthError{Reason: "token request rejected", Err: err}
		}
		return Credentials{}, fmt.Errorf("failed to obtain token: %w", err)
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return Credentials{}, &AuthError{Reason: "token source returned an empty token"}
	}
	return Credentials{Username: c.Username, Token: tok.AccessToken}, nil
}

// tokenRejected reports a 4xx answer from the token endpoint. Retrying will
// not help until the client credentials are fixed.
func tokenRejected(err error) bool {
	var retrieve *oauth2.RetrieveError
	if !errors.As(err, &retrieve) || retrieve.Response == nil {
		return false
	}
	code := retrieve.Response.StatusCode
	return code >= 400 && code < 500
}
