// Package auth identifies the signed-in user.
package auth

import (
	"context"
	"errors"
)

// ErrSignedOut is returned when no user is signed in.
var ErrSignedOut = errors.New("no user signed in")

// UserProvider yields the current user's stable identifier.
type UserProvider interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// StaticUser is a fixed user id, typically from configuration. The empty
// value means signed out.
type StaticUser string

func (u StaticUser) CurrentUserID(context.Context) (string, error) {
	if u == "" {
		return "", ErrSignedOut
	}
	return string(u), nil
}
