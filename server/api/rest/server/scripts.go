package server

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
)

// ScriptsAPI serves the downloadable client bundles out of the scripts
// directory: the runner executor a worker fetches for each run, the worker
// agent itself, and the local-build simulator.
type ScriptsAPI struct {
	*APIBase
	dir string
}

func NewScriptsAPI(scriptsDir string, logFactory logger.LogFactory) *ScriptsAPI {
	return &ScriptsAPI{
		APIBase: NewAPIBase(logFactory("ScriptsAPI")),
		dir:     scriptsDir,
	}
}

// Runner handles GET /runner. The rundefs handed to workers point their
// runner_url here.
func (a *ScriptsAPI) Runner(w http.ResponseWriter, r *http.Request) {
	a.serve(w, r, "runner", "application/zip", "")
}

// Worker handles GET /worker.
func (a *ScriptsAPI) Worker(w http.ResponseWriter, r *http.Request) {
	a.serve(w, r, "worker", "text/plain", "")
}

// Simulator handles GET /simulator. A client that already holds the current
// version passes it as ?version= and gets a 304 instead of the body.
func (a *ScriptsAPI) Simulator(w http.ResponseWriter, r *http.Request) {
	a.serve(w, r, "simulator", "text/plain", r.URL.Query().Get("version"))
}

func (a *ScriptsAPI) serve(w http.ResponseWriter, r *http.Request, name, contentType, clientVersion string) {
	data, err := os.ReadFile(filepath.Join(a.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			a.Error(w, r, gerror.NewErrNotFound(fmt.Sprintf("No %s bundle is installed", name)).Wrap(err))
			return
		}
		a.Error(w, r, errors.Wrapf(err, "error reading %s bundle", name))
		return
	}
	if clientVersion != "" {
		sum := md5.Sum(data)
		if hex.EncodeToString(sum[:]) == clientVersion {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Content-Type", contentType)
	_, err = w.Write(data)
	if err != nil {
		a.Warnf("Error writing %s bundle to client: %v", name, err)
	}
}
