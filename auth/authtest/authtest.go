// Package authtest provides Authorizer implementations for tests and
// development environments where the real authorization service is absent.
package authtest

import (
	"context"

	"github.com/coedit/collab-server-go/auth"
)

// AllowAll grants every credential editor access. Used for development and
// single-tenant deployments that front their own access control.
type AllowAll struct {
	// Subject is reported for every grant; defaults to "anonymous".
	Subject string
}

func (a *AllowAll) Authorize(ctx context.Context, credential, documentID string) (auth.Grant, error) {
	subject := a.Subject
	if subject == "" {
		subject = "anonymous"
	}
	return auth.Grant{Subject: subject, CanEdit: true}, nil
}

// Static resolves grants from a fixed credential table.
type Static struct {
	// Grants maps credential -> grant. Missing credentials are unauthorized.
	Grants map[string]auth.Grant
}

func (s *Static) Authorize(ctx context.Context, credential, documentID string) (auth.Grant, error) {
	g, ok := s.Grants[credential]
	if !ok {
		return auth.Grant{}, auth.ErrUnauthorized
	}
	return g, nil
}

var (
	_ auth.Authorizer = (*AllowAll)(nil)
	_ auth.Authorizer = (*Static)(nil)
)
