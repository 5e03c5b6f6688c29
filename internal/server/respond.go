package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"datadiff/internal/faults"
	"datadiff/internal/sqlquery"
)

// envelope is the uniform response shape. Success responses carry data;
// failures carry error and never data.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *errorDoc `json:"error,omitempty"`
}

type errorDoc struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// CommittedRows is set for partial write failures so the caller
	// knows data landed before the error.
	CommittedRows *int64 `json:"committedRows,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, err error) {
	status, doc := classify(err)
	c.JSON(status, envelope{Success: false, Error: &doc})
}

func failBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, envelope{Success: false, Error: &errorDoc{Type: "bad_request", Message: msg}})
}

func classify(err error) (int, errorDoc) {
	var (
		pe *faults.ParseError
		se *faults.SchemaConflictError
		we *faults.WriteError
		de *faults.DiffConfigError
		nf *faults.NotFound
		re *sqlquery.RejectedError
	)
	switch {
	case errors.As(err, &pe):
		return http.StatusBadRequest, errorDoc{Type: "parse_error", Message: pe.Error()}
	case errors.As(err, &de):
		return http.StatusBadRequest, errorDoc{Type: "diff_config_error", Message: de.Error()}
	case errors.As(err, &re):
		return http.StatusBadRequest, errorDoc{Type: "query_rejected", Message: re.Reason}
	case errors.As(err, &nf):
		return http.StatusNotFound, errorDoc{Type: "not_found", Message: nf.Error()}
	case errors.As(err, &se):
		return http.StatusConflict, errorDoc{Type: "schema_conflict", Message: se.Error()}
	case errors.As(err, &we):
		committed := we.Committed
		return http.StatusInternalServerError, errorDoc{
			Type:          "write_error",
			Message:       we.Error(),
			CommittedRows: &committed,
		}
	default:
		return http.StatusInternalServerError, errorDoc{Type: "internal", Message: err.Error()}
	}
}
