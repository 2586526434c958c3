package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/routing"
)

// writeError maps a domain error to an HTTP response, grounded on tarsy's
// pkg/api/errors.go mapServiceError kind->status table, generalized from
// Echo's *echo.HTTPError to gin's c.JSON.
//
// conversation.Service.Initiate/route propagate routing.Route's
// *routing.NoResponder unwrapped rather than through errs.Wrap (see
// pkg/conversation/statemachine.go's own asNoResponder helper) — so this
// mapper checks for it explicitly via errors.As before falling back to
// errs.KindOf, or a 422 NoResponder would otherwise surface as a 500.
func writeError(c *gin.Context, err error) {
	var noResponder *routing.NoResponder
	if errors.As(err, &noResponder) {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Kind: string(errs.KindNoResponder)})
		return
	}

	kind, ok := errs.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	status := statusForKind(kind)
	c.JSON(status, ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindIllegalTransition:
		return http.StatusConflict
	case errs.KindNoResponder:
		return http.StatusUnprocessableEntity
	case errs.KindPermissionDenied:
		return http.StatusForbidden
	case errs.KindBackpressure:
		return http.StatusServiceUnavailable
	case errs.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case errs.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
