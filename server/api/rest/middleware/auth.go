package middleware

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services"
)

type contextKey string

const workerContextKey contextKey = "authenticated-worker"

// MakeInternalAuthenticator makes a middleware that only admits requests
// carrying a valid internal HMAC signature in the X-Time/X-JobServ-Sig
// header pair.
func MakeInternalAuthenticator(authenticationService services.AuthenticationService, log logger.Log) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			err := authenticationService.VerifyInternalSignature(
				r.Method, RequestBaseURL(r), r.Header.Get("X-Time"), r.Header.Get("X-JobServ-Sig"))
			if err != nil {
				log.Warnf("Rejected unsigned request to %s: %v", r.URL.Path, err)
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// MakeWorkerAuthenticator makes a middleware that authenticates the worker
// named in the URL via either its API key (Token scheme) or a signed bearer
// JWT. A bearer token may only be used for the worker it names.
func MakeWorkerAuthenticator(authenticationService services.AuthenticationService, log logger.Log) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			name := models.ResourceName(chi.URLParam(r, "workerName"))
			authenticated, err := AuthenticateWorker(r, authenticationService, name)
			if err != nil {
				log.Warnf("Rejected worker request for %q: %v", name, err)
				writeUnauthorized(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), workerContextKey, authenticated)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(fn)
	}
}

// AuthenticateWorker resolves the Authorization header against the named
// worker, without failing the request; handlers that treat authentication as
// optional call this directly.
func AuthenticateWorker(r *http.Request, authenticationService services.AuthenticationService, name models.ResourceName) (*services.AuthenticatedWorker, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, gerror.NewErrUnauthorized("No Authorization header provided")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return nil, gerror.NewErrUnauthorized("Invalid Authorization header")
	}
	switch parts[0] {
	case "Token":
		worker, err := authenticationService.AuthenticateWorkerToken(r.Context(), name, parts[1])
		if err != nil {
			return nil, err
		}
		return &services.AuthenticatedWorker{Worker: worker}, nil
	case "Bearer":
		authenticated, err := authenticationService.AuthenticateWorkerJWT(r.Context(), parts[1])
		if err != nil {
			return nil, err
		}
		if authenticated.Worker.Name != name {
			// A bearer token only grants access to the worker it names.
			return nil, gerror.NewErrNotFound("Worker not found")
		}
		return authenticated, nil
	default:
		return nil, gerror.NewErrUnauthorized("Invalid Authorization header")
	}
}

// WorkerFromContext returns the worker authenticated by
// MakeWorkerAuthenticator, or nil.
func WorkerFromContext(ctx context.Context) *services.AuthenticatedWorker {
	authenticated, _ := ctx.Value(workerContextKey).(*services.AuthenticatedWorker)
	return authenticated
}

// RunToken extracts the run credential from the Authorization header or the
// apikey query parameter.
func RunToken(r *http.Request) string {
	if key := r.URL.Query().Get("apikey"); key != "" {
		return key
	}
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && parts[0] == "Token" {
		return parts[1]
	}
	return ""
}

// RequestBaseURL reconstructs the absolute URL the client signed, without
// query string or fragment.
func RequestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	message := "Unauthorized"
	var gerr gerror.Error
	if stderrors.As(err, &gerr) {
		status = gerr.HTTPStatusCode()
		message = gerr.Message()
	}
	body, _ := json.Marshal(map[string]string{"status": "error", "message": message})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}
