package utils

import (
	"context"

	"github.com/mmdatafocus/erpsync_backend/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyTenantId      = appctx.ContextKeyTenantId
	ContextKeyUsername      = appctx.ContextKeyUsername
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyBatchId       = appctx.ContextKeyBatchId
	ContextKeySessionId     = appctx.ContextKeySessionId

	ContextKeyIsAdmin         = appctx.ContextKeyIsAdmin
	ContextKeySkipTenantScope = appctx.ContextKeySkipTenantScope
)

func GetTenantIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTenantId)
}

func GetUsernameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUsername)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetBatchIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyBatchId)
}

func GetSessionIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeySessionId)
}

func SetTenantIdInContext(ctx context.Context, tenantId string) context.Context {
	return appctx.Set(ctx, ContextKeyTenantId, tenantId)
}

func SetUsernameInContext(ctx context.Context, username string) context.Context {
	return appctx.Set(ctx, ContextKeyUsername, username)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetBatchIdInContext(ctx context.Context, batchId string) context.Context {
	return appctx.Set(ctx, ContextKeyBatchId, batchId)
}

func SetSessionIdInContext(ctx context.Context, sessionId string) context.Context {
	return appctx.Set(ctx, ContextKeySessionId, sessionId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsAdmin)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsAdmin, isAdmin)
}

func GetSkipTenantScopeFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeySkipTenantScope)
}

func SetSkipTenantScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipTenantScope, skip)
}

func IsAdminContext(ctx context.Context) bool {
	v, ok := GetIsAdminFromContext(ctx)
	return ok && v
}
