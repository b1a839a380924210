package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/models"
)

// statusClientClosed is logged when the caller went away before the response was written
const statusClientClosed = 499

// errorBody builds the error envelope for err. Unclassified errors never leak their text.
func errorBody(err error) (int, models.ErrorResponse) {
	classified, ok := apierr.As(err)
	if !ok {
		classified = apierr.New(apierr.Internal, "internal server error")
	}
	return classified.Code.HTTPStatus(), models.ErrorResponse{
		Success: false,
		Error: models.ErrorDetail{
			Code:    string(classified.Code),
			Type:    string(classified.Kind()),
			Message: classified.Message,
			Details: classified.Details,
		},
	}
}

// respondError is the one place errors are mapped to HTTP
func (s *Server) respondError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
		s.logger.Debug("Client closed request", zap.String("request_id", c.GetString(ctxRequestID)))
		c.AbortWithStatus(statusClientClosed)
		return
	}

	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.String("code", body.Error.Code),
			zap.Error(err))
	}
	if details, ok := body.Error.Details.(map[string]interface{}); ok {
		if retry, ok := details["retry_after_seconds"].(int); ok {
			c.Header("Retry-After", strconv.Itoa(retry))
		}
	}
	c.JSON(status, body)
}

func invalidRequest(err error) error {
	return apierr.Wrap(apierr.InvalidRequest, err, "invalid request body")
}
