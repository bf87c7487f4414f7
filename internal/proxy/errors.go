package proxy

import (
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/tiergate/tiergate/internal/auth"
	"github.com/tiergate/tiergate/internal/router"
	"github.com/tiergate/tiergate/internal/upstream"
	"github.com/tiergate/tiergate/pkg/apierr"
)

// writeRouterError maps an auth or routing failure onto the status table and
// renders it in the route's dialect. Distinctions that matter to clients:
// rate/quota rejections are 429, a missing model is 404, one upstream
// refusing is 502, the whole candidate list failing is 503.
func writeRouterError(ctx *fasthttp.RequestCtx, d apierr.Dialect, err error) {
	var exhausted *router.ExhaustedError
	var upErr *upstream.Error

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		apierr.WriteDialect(ctx, d, fasthttp.StatusUnauthorized,
			"invalid or missing API key",
			apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)

	case errors.Is(err, auth.ErrQuotaExceeded):
		apierr.WriteDialect(ctx, d, fasthttp.StatusTooManyRequests,
			err.Error(), apierr.TypeRateLimitError, apierr.CodeQuotaExceeded)

	case errors.Is(err, auth.ErrUnknownTier):
		apierr.WriteDialect(ctx, d, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeServerError, apierr.CodeInternalError)

	case errors.Is(err, router.ErrModelUnavailable):
		apierr.WriteDialect(ctx, d, fasthttp.StatusNotFound,
			err.Error(), apierr.TypeNotFound, apierr.CodeModelNotFound)

	case errors.Is(err, router.ErrAllDisabled):
		apierr.WriteDialect(ctx, d, fasthttp.StatusServiceUnavailable,
			err.Error(), apierr.TypeProviderError, apierr.CodeAllProvidersDown)

	case errors.As(err, &exhausted):
		// A single candidate failing is that provider's failure; a longer
		// list burning down means the gateway had nothing left to try.
		status := fasthttp.StatusServiceUnavailable
		code := apierr.CodeAllProvidersDown
		if exhausted.Attempts == 1 {
			status = fasthttp.StatusBadGateway
			code = apierr.CodeProviderError
		}
		apierr.WriteDialect(ctx, d, status, err.Error(), apierr.TypeProviderError, code)

	case errors.As(err, &upErr):
		apierr.WriteDialect(ctx, d, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)

	default:
		apierr.WriteDialect(ctx, d, fasthttp.StatusInternalServerError,
			"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
	}
}
