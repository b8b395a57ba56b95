package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var domainErrors = []struct {
	err    error
	status int
	code   ErrCode
}{
	{model.ErrExamNotFound, http.StatusNotFound, ErrExamNotFound},
	{model.ErrAttemptNotFound, http.StatusNotFound, ErrAttemptNotFound},
	{model.ErrNotAssigned, http.StatusForbidden, ErrNotAssigned},
	{model.ErrUnauthorized, http.StatusForbidden, ErrForbidden},
	{model.ErrNotYetOpen, http.StatusConflict, ErrNotYetOpen},
	{model.ErrWindowClosed, http.StatusConflict, ErrWindowClosed},
	{model.ErrAlreadyFinalized, http.StatusConflict, ErrAlreadyFinalized},
	{model.ErrInvalidResponse, http.StatusUnprocessableEntity, ErrInvalidResponse},
	{model.ErrNoQuestions, http.StatusConflict, ErrNoQuestions},
	{model.ErrPersistenceUnavailable, http.StatusServiceUnavailable, ErrPersistenceUnavailable},
}

// Classify maps an engine error onto an HTTP status and error code. Unknown
// errors are internal.
func Classify(err error) (int, ErrCode) {
	for _, d := range domainErrors {
		if errors.Is(err, d.err) {
			return d.status, d.code
		}
	}
	return http.StatusInternalServerError, ErrInternal
}

// FailWithError sends the error response matching err.
func FailWithError(c *gin.Context, err error) {
	status, code := Classify(err)
	Fail(c, status, code)
}
