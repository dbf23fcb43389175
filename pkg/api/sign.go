package api

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/greg-hellings/cev/pkg/state"
)

// CredentialSource yields the credentials to sign requests with, or nil.
// *state.CredentialStore satisfies it.
type CredentialSource interface {
	Get() *state.Credentials
}

// BasicToken returns base64(username:password).
func BasicToken(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// Sign returns a copy of req carrying "Authorization: Basic <token>" when
// creds are valid, and no Authorization header otherwise. req is not
// modified.
func Sign(req *http.Request, creds *state.Credentials) *http.Request {
	out := req.Clone(req.Context())
	if creds.Valid() {
		out.Header.Set("Authorization", "Basic "+BasicToken(creds.Username, creds.Password))
	} else {
		out.Header.Del("Authorization")
	}
	return out
}

type credentialsKey struct{}

// withCredentials overrides the signing credentials for one request.
func withCredentials(ctx context.Context, creds *state.Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, creds)
}

func credentialsFromContext(ctx context.Context) (*state.Credentials, bool) {
	c, ok := ctx.Value(credentialsKey{}).(*state.Credentials)
	return c, ok
}

// signingTransport signs every outgoing request just before it is sent.
type signingTransport struct {
	base   http.RoundTripper
	source CredentialSource
}

// RoundTrip implements http.RoundTripper.
func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	creds, ok := credentialsFromContext(req.Context())
	if !ok && t.source != nil {
		creds = t.source.Get()
	}
	return t.base.RoundTrip(Sign(req, creds))
}
