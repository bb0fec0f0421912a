package api

import (
	"fmt"
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/security"
)

const identityKey = "identity"

// authMiddleware resolves an identity for every request. With auth enabled
// the bearer token is verified and its claims become the identity; disabled
// auth synthesizes an anonymous identity and gates nothing.
func (s *Server) authMiddleware() []echo.MiddlewareFunc {
	if !s.cfg.Auth.Enabled {
		return []echo.MiddlewareFunc{func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Set(identityKey, &security.Identity{Username: "anonymous", Admin: true})
				return next(c)
			}
		}}
	}

	verify := echojwt.WithConfig(echojwt.Config{
		SigningKey:  s.tokens.Secret(),
		TokenLookup: "header:Authorization:Bearer ",
	})

	extract := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := c.Get("user").(*gojwt.Token)
			if !ok {
				return fmt.Errorf("no verified token on request: %w", common.ErrUnauthenticated)
			}
			claims, ok := token.Claims.(gojwt.MapClaims)
			if !ok {
				return fmt.Errorf("unreadable token claims: %w", common.ErrUnauthenticated)
			}
			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				return fmt.Errorf("token carries no subject: %w", common.ErrUnauthenticated)
			}
			admin, _ := claims["admin"].(bool)
			c.Set(identityKey, &security.Identity{Username: subject, Admin: admin})
			return next(c)
		}
	}

	return []echo.MiddlewareFunc{verify, extract}
}

// identity returns the caller resolved by the auth middleware.
func identity(c echo.Context) *security.Identity {
	if id, ok := c.Get(identityKey).(*security.Identity); ok {
		return id
	}
	return &security.Identity{Username: "anonymous"}
}

// authorizeWorkflow gates a destructive operation on workflow ownership: the
// recorded owner, a configured admin or an admin token may proceed. Unowned
// workflows are open to any authenticated caller.
func (s *Server) authorizeWorkflow(c echo.Context, workflowID int64) error {
	if !s.cfg.Auth.Enabled {
		return nil
	}
	id := identity(c)
	if id.Admin || id.Username == s.cfg.Auth.AdminUser {
		return nil
	}
	wf, err := s.engine.GetWorkflow(c.Request().Context(), workflowID)
	if err != nil {
		return err
	}
	if wf.Owner == "" || wf.Owner == id.Username {
		return nil
	}
	return fmt.Errorf("user %s does not own workflow %d: %w", id.Username, workflowID, common.ErrAuthorizationDenied)
}

// requireAdmin gates operator-only endpoints.
func (s *Server) requireAdmin(c echo.Context) error {
	if !s.cfg.Auth.Enabled {
		return nil
	}
	id := identity(c)
	if id.Admin || id.Username == s.cfg.Auth.AdminUser {
		return nil
	}
	return fmt.Errorf("user %s is not an admin: %w", id.Username, common.ErrAuthorizationDenied)
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// issueToken mints an admin bearer token for the configured operator
// account. Worker and distributor service tokens are minted offline by the
// token command instead.
func (s *Server) issueToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid token request body")
	}
	if req.Username == "" || req.Password == "" {
		return common.NewSchemaViolationError("username and password are required")
	}

	if !strings.EqualFold(req.Username, s.cfg.Auth.AdminUser) || s.cfg.Auth.AdminPasswordHash == "" {
		return fmt.Errorf("unknown user: %w", common.ErrUnauthenticated)
	}
	if err := security.VerifyPassword(s.cfg.Auth.AdminPasswordHash, req.Password); err != nil {
		return fmt.Errorf("invalid credentials: %w", common.ErrUnauthenticated)
	}

	token, err := s.tokens.IssueToken(req.Username, true)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token})
}
