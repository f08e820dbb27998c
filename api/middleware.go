package api

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

const (
	headerAPIKey         = "X-API-Key"
	headerOrganizationID = "x-organization-id"

	contextKeyOrganization = "organization_id"
	contextKeyRole         = "role"
)

// APIKeyMiddleware validates the uploader webhook key. An empty
// configured key disables the check.
func APIKeyMiddleware(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}
			if c.Request().Header.Get(headerAPIKey) != key {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			return next(c)
		}
	}
}

// JWTMiddleware validates bearer tokens on the API surface.
func JWTMiddleware(secret string) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(secret),
		TokenLookup: "header:Authorization:Bearer ",
	})
}

// TenantMiddleware resolves the caller's organization from the
// x-organization-id header and checks membership against the JWT
// claims. Requests without the header are rejected with 400;
// non-members with 403. The superadmin role bypasses membership.
func TenantMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			org := c.Request().Header.Get(headerOrganizationID)
			if org == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "x-organization-id header is required")
			}

			role, orgs := claimsFrom(c)
			c.Set(contextKeyRole, role)

			if role != "superadmin" && !contains(orgs, org) {
				return echo.NewHTTPError(http.StatusForbidden, "not a member of this organization")
			}

			c.Set(contextKeyOrganization, org)
			return next(c)
		}
	}
}

// claimsFrom extracts the role and organization memberships from the
// validated token. Absent or malformed claims read as empty.
func claimsFrom(c echo.Context) (role string, orgs []string) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return "", nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", nil
	}

	role, _ = claims["role"].(string)
	if raw, ok := claims["organization_ids"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				orgs = append(orgs, s)
			}
		}
	}
	return role, orgs
}

func organizationFrom(c echo.Context) string {
	org, _ := c.Get(contextKeyOrganization).(string)
	return org
}

func isSuperadmin(c echo.Context) bool {
	role, _ := c.Get(contextKeyRole).(string)
	return role == "superadmin"
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
