package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"rag.evalgo.org/common"
)

func (s *Server) handleListUsers(c echo.Context) error {
	users, err := s.deps.Repos.Users.List(c.Request().Context(), listOptions(c))
	if err != nil {
		return err
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, viewUser(u))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"users": views})
}

type createUserRequest struct {
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
}

func (s *Server) handleCreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	user, err := s.deps.Auth.Register(c.Request().Context(), req.Email, req.Password, req.DisplayName, req.Roles)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, viewUser(user))
}

type updateUserRequest struct {
	DisplayName     *string  `json:"display_name"`
	Roles           []string `json:"roles"`
	Active          *bool    `json:"active"`
	ExpectedVersion int      `json:"expected_version"`
}

func (s *Server) handleUpdateUser(c echo.Context) error {
	var req updateUserRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	user, err := s.deps.Repos.Users.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if req.DisplayName != nil {
		user.DisplayName = *req.DisplayName
	}
	if len(req.Roles) > 0 {
		user.Roles = strings.Join(req.Roles, ",")
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	expected := req.ExpectedVersion
	if expected == 0 {
		expected = user.Version
	}
	updated, err := s.deps.Repos.Users.Update(c.Request().Context(), user, expected)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewUser(updated))
}

// handleGetSettings returns the current runtime overrides.
func (s *Server) handleGetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"overrides": s.deps.Settings.Overrides(c.Request().Context()),
	})
}

type putSettingsRequest struct {
	Set   map[string]string `json:"set"`
	Clear []string          `json:"clear"`
}

// handlePutSettings writes the runtime override layer. Changes propagate to
// every node within the settings cache window.
func (s *Server) handlePutSettings(c echo.Context) error {
	var req putSettingsRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	ctx := c.Request().Context()
	for key, value := range req.Set {
		if err := s.deps.Settings.Override(ctx, key, value); err != nil {
			return err
		}
	}
	for _, key := range req.Clear {
		if err := s.deps.Settings.ClearOverride(ctx, key); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"overrides": s.deps.Settings.Overrides(ctx),
	})
}
