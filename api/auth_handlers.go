package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"rag.evalgo.org/auth"
	"rag.evalgo.org/common"
	"rag.evalgo.org/db"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	AllSessions  bool   `json:"all_sessions"`
}

type oidcLoginRequest struct {
	IDToken string `json:"id_token"`
}

// userView is the safe projection of a user record.
type userView struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Roles       string    `json:"roles"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewUser(u *db.User) userView {
	return userView{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Roles:       u.Roles,
		Active:      u.Active,
		CreatedAt:   u.CreatedAt,
	}
}

type tokenPairView struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	User             userView  `json:"user"`
}

func viewPair(pair *auth.TokenPair) tokenPairView {
	return tokenPairView{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             viewUser(pair.User),
	}
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	pair, err := s.deps.Auth.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewPair(pair))
}

func (s *Server) handleRefresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	pair, err := s.deps.Auth.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewPair(pair))
}

func (s *Server) handleLogout(c echo.Context) error {
	var req logoutRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	if err := s.deps.Auth.Logout(c.Request().Context(), req.RefreshToken, req.AllSessions); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleOIDCLogin(c echo.Context) error {
	var req oidcLoginRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	pair, err := s.deps.Auth.LoginWithOIDC(c.Request().Context(), req.IDToken)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewPair(pair))
}
