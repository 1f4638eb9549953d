package api

import (
	"context"
	"errors"

	"MarketPulse/internal/domain/models"
	xhttp "MarketPulse/pkg/http"
)

// toAppError maps domain failures onto HTTP errors.
func toAppError(err error) *xhttp.AppError {
	var appErr *xhttp.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, models.ErrNotFound):
		return xhttp.NotFoundError("symbol not found").WithError(err)
	case errors.Is(err, models.ErrNoData):
		return xhttp.NotFoundError("no data available for symbol").WithError(err)
	case errors.Is(err, models.ErrRateLimited):
		return xhttp.TooManyRequestsError("market data provider is rate limiting requests").WithError(err)
	case errors.Is(err, models.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return xhttp.GatewayTimeoutError("market data provider timed out").WithError(err)
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return xhttp.ServiceUnavailableError("market data provider unavailable").WithError(err)
	case errors.Is(err, models.ErrNoPosition):
		return xhttp.NotFoundError("no open position for symbol").WithError(err)
	case errors.Is(err, models.ErrTradingInactive):
		return xhttp.ConflictError("trading is not active").WithError(err)
	case errors.Is(err, models.ErrInsufficientHistory):
		return xhttp.ConflictError("not enough price history to analyze symbol").WithError(err)
	default:
		return xhttp.InternalError("internal error").WithError(err)
	}
}
