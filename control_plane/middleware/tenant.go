// Package middleware holds the HTTP middleware shared by the management and
// device APIs.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type tenantKey struct{}

// TenantHeader carries the tenant of every management request.
const TenantHeader = "X-Tenant-ID"

var ErrNoTenant = errors.New("tenant not found in context")

// Tenant requires the X-Tenant-ID header and stores its value in the
// request context. Missing or malformed values get 400.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" || strings.ContainsAny(tenantID, ":/ ") {
			http.Error(w, "missing or invalid "+TenantHeader+" header", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

func TenantFromContext(ctx context.Context) (string, error) {
	tenantID, ok := ctx.Value(tenantKey{}).(string)
	if !ok || tenantID == "" {
		return "", ErrNoTenant
	}
	return tenantID, nil
}
