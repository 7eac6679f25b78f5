package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// serviceError maps a domain error to its HTTP status and error code.
// Unknown errors map to 500.
func serviceError(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrExamNotFound), errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrNotExamAuthor):
		return http.StatusForbidden, response.ErrNotExamAuthor
	case errors.Is(err, service.ErrNotAttemptOwner):
		return http.StatusForbidden, response.ErrNotAttemptOwner
	case errors.Is(err, service.ErrInvalidEntryToken):
		return http.StatusForbidden, response.ErrInvalidEntryToken
	case errors.Is(err, service.ErrExamNotAvailable):
		return http.StatusConflict, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrAttemptFinalized), errors.Is(err, session.ErrAlreadyFinalized):
		return http.StatusConflict, response.ErrAttemptFinalized
	case errors.Is(err, service.ErrAttemptNotLive):
		return http.StatusConflict, response.ErrAttemptNotLive
	case errors.Is(err, session.ErrNotStarted):
		return http.StatusConflict, response.ErrAttemptNotStarted
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// failService writes the mapped error and logs anything unexpected.
func failService(c *gin.Context, log zerolog.Logger, err error, msg string) {
	status, code := serviceError(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	}
	response.Fail(c, status, code)
}

// paramUUID parses a path parameter, writing 400 on failure.
func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
