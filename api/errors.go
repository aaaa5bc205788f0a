package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/n3n-io/n3n/common"
)

// httpError maps a platform error onto the HTTP status space.
func httpError(err error) *echo.HTTPError {
	var perr *common.Error
	if !errors.As(err, &perr) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	status := http.StatusInternalServerError
	switch perr.Code {
	case common.CodeValidation:
		status = http.StatusBadRequest
	case common.CodeNotFound:
		status = http.StatusNotFound
	case common.CodePermissionDenied:
		status = http.StatusForbidden
	case common.CodeRateLimited:
		status = http.StatusTooManyRequests
	case common.CodeInvalidState:
		status = http.StatusConflict
	case common.CodeTransient:
		status = http.StatusServiceUnavailable
	case common.CodeTimedOut:
		status = http.StatusGatewayTimeout
	}

	return echo.NewHTTPError(status, map[string]string{
		"code":  perr.Code,
		"error": perr.Message,
	})
}
