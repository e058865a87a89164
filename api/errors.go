package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"rag.evalgo.org/common"
)

// ErrorBody is the error envelope carried by every non-2xx response.
type ErrorBody struct {
	Type        string            `json:"type"`
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Suggestions []string          `json:"suggestions,omitempty"`
	RequestID   string            `json:"request_id"`
	Timestamp   time.Time         `json:"timestamp"`
}

// ErrorResponse wraps the envelope under the "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// HTTPErrorHandler renders every error through the shared envelope. Domain
// errors carry their own kind and code; echo's own errors (404 on unknown
// routes, body limit) are translated by status.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	body := ErrorBody{
		Type:      string(common.KindInternal),
		Code:      "INTERNAL",
		Message:   "internal error",
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		Timestamp: time.Now().UTC(),
	}
	status := http.StatusInternalServerError

	var de *common.Error
	if errors.As(err, &de) {
		status = common.HTTPStatus(de.Kind)
		body.Type = string(de.Kind)
		body.Code = de.Code
		body.Message = de.Message
		body.Details = de.Details
		body.Suggestions = de.Suggestions
	} else if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		body.Type = string(kindForStatus(he.Code))
		body.Code = codeForStatus(he.Code)
		if msg, ok := he.Message.(string); ok {
			body.Message = msg
		} else {
			body.Message = http.StatusText(he.Code)
		}
	} else {
		common.Logger.WithError(err).Error("unclassified handler error")
	}

	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, ErrorResponse{Error: body})
	}
	if writeErr != nil {
		common.Logger.WithError(writeErr).Debug("failed to write error response")
	}
}

// retryAfterSeconds is the hint attached to 503 responses.
const retryAfterSeconds = 5

func kindForStatus(status int) common.Kind {
	switch status {
	case http.StatusBadRequest:
		return common.KindValidation
	case http.StatusUnauthorized:
		return common.KindUnauthorized
	case http.StatusForbidden:
		return common.KindForbidden
	case http.StatusNotFound:
		return common.KindNotFound
	case http.StatusConflict:
		return common.KindConflict
	case http.StatusRequestEntityTooLarge:
		return common.KindPayloadTooLarge
	case http.StatusTooManyRequests:
		return common.KindRateLimited
	case http.StatusServiceUnavailable:
		return common.KindUnavailable
	default:
		return common.KindInternal
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return "ROUTE_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "BODY_TOO_LARGE"
	default:
		return "HTTP_" + strconv.Itoa(status)
	}
}
