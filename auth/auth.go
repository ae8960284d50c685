// Package auth defines the boundary to the external authorization
// collaborator. Permission decisions happen before an event reaches the
// collaboration core: the transport consults an Authorizer on join (viewer)
// and relies on the returned grant for updates (editor). The core performs
// no permission logic itself.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates the caller has no rights on the document.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden indicates the caller may view but not edit the document.
var ErrForbidden = errors.New("insufficient rights")

// Grant describes the caller's resolved rights on one document.
type Grant struct {
	// Subject is the stable identifier of the authenticated principal.
	Subject string
	// CanEdit distinguishes editors from viewers. Viewers may join and
	// report presence; only editors may send content updates.
	CanEdit bool
}

// Authorizer resolves a credential to a grant for a document. It should
// return ErrUnauthorized when the credential conveys no access at all.
type Authorizer interface {
	Authorize(ctx context.Context, credential, documentID string) (Grant, error)
}
