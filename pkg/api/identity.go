package api

import "context"

type userKey struct{}

// WithUser returns a context carrying the authenticated user id
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user id stored by WithUser
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// RequireUser returns the caller's user id or ErrAuthRequired
func RequireUser(ctx context.Context) (string, error) {
	id, ok := UserFrom(ctx)
	if !ok {
		return "", ErrAuthRequired
	}
	return id, nil
}
