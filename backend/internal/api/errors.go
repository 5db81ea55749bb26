package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "familynet/backend/pkg/errors"
)

func statusFor(t apperrors.ErrorType) int {
	switch t {
	case apperrors.ErrorTypeMissingFields, apperrors.ErrorTypeSelfReference, apperrors.ErrorTypeInvalidAccessLevel:
		return http.StatusBadRequest
	case apperrors.ErrorTypeUnauthorized:
		return http.StatusForbidden
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeDuplicatePending, apperrors.ErrorTypeAlreadyConnected,
		apperrors.ErrorTypeAlreadyProcessed, apperrors.ErrorTypeNetworkFull:
		return http.StatusConflict
	case apperrors.ErrorTypeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with the status its type maps to. Untyped errors
// are logged and hidden from the client.
func (s *Server) respondError(c *gin.Context, op string, err error) {
	t, ok := apperrors.TypeOf(err)
	status := statusFor(t)
	if !ok || status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("operation", op),
			zap.String("account_id", accountID(c)),
			zap.Error(err),
		)
	}
	if !ok {
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "type": string(t)})
}
