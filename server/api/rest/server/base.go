package server

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"io/ioutil"
	"net/http"

	"github.com/go-chi/render"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
)

// envelope is the jsend-style wire format every JSON endpoint answers with:
// {"status": "success", "data": ...} or {"status": "error", "message": ...}.
type envelope struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

type APIBase struct {
	logger.Log
}

func NewAPIBase(log logger.Log) *APIBase {
	return &APIBase{Log: log}
}

// JSON writes a success envelope with the given HTTP status and data payload.
func (a *APIBase) JSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	render.Status(r, statusCode)
	render.JSON(w, r, &envelope{Status: "success", Data: data})
}

// Error writes the error to the response as a standard error envelope. The
// status code is inferred from the error; anything that is not an external
// gerror is reported as an opaque 500 so internals never leak.
func (a *APIBase) Error(w http.ResponseWriter, r *http.Request, err error) {
	if stderrors.Is(errors.Cause(err), sql.ErrNoRows) {
		err = gerror.NewErrNotFound("Resource not found")
	}
	var gerr gerror.Error
	if !stderrors.As(err, &gerr) || gerr.Audience() != gerror.AudienceExternal {
		a.Errorf("Internal error in API call %s %s: %+v", r.Method, r.URL.Path, err)
		gerr = gerror.NewErrInternal()
	} else {
		a.Warnf("Error in API call %s %s: %v", r.Method, r.URL.Path, err)
	}
	for _, detail := range gerr.Details() {
		// The trigger pipeline records the console URL of a synthetic
		// build-failure run under "location"; surface it as the header SCM
		// callers read it from.
		if detail.Audience() == gerror.AudienceExternal && detail.Key() == "location" {
			if location, ok := detail.Value().(string); ok {
				w.Header().Set("Location", location)
			}
		}
	}
	render.Status(r, gerr.HTTPStatusCode())
	render.JSON(w, r, &envelope{Status: "error", Message: gerr.Message()})
}

// ReadJSON decodes the request body into v. An empty body is not an error;
// the target is simply left zero-valued.
func (a *APIBase) ReadJSON(r *http.Request, v interface{}) error {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return gerror.NewErrValidationFailed("Error reading request body").Wrap(err)
	}
	if len(body) == 0 {
		return nil
	}
	err = json.Unmarshal(body, v)
	if err != nil {
		return gerror.NewErrValidationFailed("Input data must be JSON").Wrap(err)
	}
	return nil
}
