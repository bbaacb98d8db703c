package gateway

import (
	"net/http"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
)

// statusFor maps a coreerr.Kind to the HTTP status spec.md §6's route
// table implies, centralizing the mapping so every handler answers
// identically rather than re-deriving a status code per route.
func statusFor(kind coreerr.Kind) int {
	switch kind {
	case coreerr.NotFound:
		return http.StatusNotFound
	case coreerr.AlreadyExists:
		return http.StatusConflict
	case coreerr.Busy:
		return http.StatusConflict
	case coreerr.InvalidInput, coreerr.InvalidTransition:
		return http.StatusBadRequest
	case coreerr.Unauthorized:
		return http.StatusUnauthorized
	case coreerr.TooManyRequests:
		return http.StatusTooManyRequests
	case coreerr.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case coreerr.Degraded, coreerr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON shape every non-2xx gateway response shares.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func errorResponse(err error) (int, errorBody) {
	kind := coreerr.KindOf(err)
	return statusFor(kind), errorBody{Error: err.Error(), Kind: string(kind)}
}
