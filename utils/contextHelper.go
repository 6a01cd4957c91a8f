package utils

import "context"

type contextKey string

const (
	ContextKeyToken         contextKey = "Token"
	ContextKeyUserId        contextKey = "UserId"
	ContextKeyRole          contextKey = "Role"
	ContextKeyCorrelationId contextKey = "CorrelationId"
	// true for operators: admin JWT or the cron ops key
	ContextKeyIsAdmin contextKey = "IsAdmin"
	// who triggered a state change ("webhook:stripe", "cron", "ops-key", a user id)
	ContextKeyActor contextKey = "Actor"
)

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, ContextKeyToken)
}

func GetUserIdFromContext(ctx context.Context) (string, bool) {
	v, ok := stringValue(ctx, ContextKeyUserId)
	return v, ok && v != ""
}

func GetRoleFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, ContextKeyRole)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, ContextKeyCorrelationId)
}

func IsAdminContext(ctx context.Context) bool {
	v, ok := ctx.Value(ContextKeyIsAdmin).(bool)
	return ok && v
}

// GetActorFromContext falls back to the user id, then "system".
func GetActorFromContext(ctx context.Context) string {
	if v, ok := stringValue(ctx, ContextKeyActor); ok && v != "" {
		return v
	}
	if v, ok := GetUserIdFromContext(ctx); ok {
		return v
	}
	return "system"
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ContextKeyToken, token)
}

func SetUserIdInContext(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, ContextKeyUserId, userId)
}

func SetRoleInContext(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ContextKeyRole, role)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationId, correlationId)
}

func SetAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return context.WithValue(ctx, ContextKeyIsAdmin, isAdmin)
}

func SetActorInContext(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ContextKeyActor, actor)
}
