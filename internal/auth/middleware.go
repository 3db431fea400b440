package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/securerag/internal/logging"
)

// authorizationKey is the echo context key holding *Authorization.
const authorizationKey = "securerag.authorization"

// BearerMiddleware authenticates "Authorization: Bearer <token>" requests and
// stores the resulting *Authorization in the echo context.
//
// Missing or invalid credentials yield 401; missing server configuration
// yields 500 so that misdeployments are not reported as client errors.
func BearerMiddleware(svc *Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			ctx := c.Request().Context()
			authz, err := svc.AuthenticateAndAuthorize(ctx, token)
			if err != nil {
				if errors.Is(err, ErrConfiguration) {
					return echo.NewHTTPError(http.StatusInternalServerError, "authentication is not configured")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			ctx = logging.WithPrincipal(ctx, logging.Principal{
				Subject: authz.Claims.Subject,
				Tenant:  authz.Claims.Tenant,
			})
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(authorizationKey, authz)
			return next(c)
		}
	}
}

// FromEcho returns the Authorization set by BearerMiddleware.
func FromEcho(c echo.Context) (*Authorization, bool) {
	authz, ok := c.Get(authorizationKey).(*Authorization)
	return authz, ok && authz != nil
}
