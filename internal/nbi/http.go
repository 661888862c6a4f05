package nbi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/signalsfoundry/leo-handover/internal/logging"
)

// NewRouter serves health, status, session and visualization endpoints.
// metrics may be nil.
func NewRouter(engine Engine, metrics http.Handler, log logging.Logger) *mux.Router {
	if log == nil {
		log = logging.Noop()
	}
	api := &httpAPI{engine: engine, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", api.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", api.status).Methods(http.MethodGet)
	r.HandleFunc("/v1/terminals/{terminalID}/session", api.session).Methods(http.MethodGet)
	r.HandleFunc("/v1/terminals/{terminalID}/visualization", api.visualization).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return r
}

// NewHTTPHandler is NewRouter wrapped in an access log written to accessLog.
func NewHTTPHandler(engine Engine, metrics http.Handler, log logging.Logger, accessLog io.Writer) http.Handler {
	r := NewRouter(engine, metrics, log)
	if accessLog == nil {
		return r
	}
	return handlers.LoggingHandler(accessLog, r)
}

type httpAPI struct {
	engine Engine
	log    logging.Logger
}

func (a *httpAPI) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *httpAPI) status(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, http.StatusOK, a.engine.Status())
}

func (a *httpAPI) session(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["terminalID"]
	sess, ok := a.engine.Session(id)
	if !ok {
		a.writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "no session for terminal " + id})
		return
	}
	a.writeJSON(w, r, http.StatusOK, sess)
}

func (a *httpAPI) visualization(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["terminalID"]
	v, ok := a.engine.Visualization(id)
	if !ok {
		a.writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "no decision for terminal " + id})
		return
	}
	a.writeJSON(w, r, http.StatusOK, v)
}

func (a *httpAPI) writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn(r.Context(), "http response write failed", logging.String("path", r.URL.Path), logging.Err(err))
	}
}
