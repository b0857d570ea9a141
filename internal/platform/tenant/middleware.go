package tenant

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
)

// Resolver looks up a tenant by its code.
type Resolver interface {
	ByCode(ctx context.Context, code string) (*lims.Tenant, error)
}

var tenantCodePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Middleware resolves the tenant for each request and stores its Scope in
// the request context. The JWT claim wins over the X-Tenant-ID header.
// There is no default tenant: a request without one is refused.
func Middleware(resolver Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			code := extractTenantCode(c)
			if code == "" {
				return apperr.Configuration("tenant not specified")
			}
			if !tenantCodePattern.MatchString(code) {
				return apperr.Validation("invalid tenant identifier")
			}

			ctx := c.Request().Context()
			t, err := resolver.ByCode(ctx, code)
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					return apperr.Configuration("unknown tenant %q", code)
				}
				return err
			}
			if !t.Active {
				return echo.NewHTTPError(http.StatusForbidden, "tenant is inactive")
			}

			scope, err := NewScope(t.ID, t.Code, auth.UserIDFromContext(ctx))
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(WithScope(ctx, scope)))
			c.Set("tenant_code", t.Code)
			return next(c)
		}
	}
}

func extractTenantCode(c echo.Context) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	return c.Request().Header.Get("X-Tenant-ID")
}
