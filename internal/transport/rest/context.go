package rest

import "context"

type ctxKeyUserID struct{}
type ctxKeyRequestID struct{}

func withAuth(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID{}, userID)
}

// AuthUserID returns the authenticated user id placed by AuthMiddleware.
func AuthUserID(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(ctxKeyUserID{}).(string)
	if !ok || uid == "" {
		return "", false
	}
	return uid, true
}

func withRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, rid)
}

// GetRequestID returns the request id for the current request, or "".
func GetRequestID(ctx context.Context) string {
	rid, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return rid
}
