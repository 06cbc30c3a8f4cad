package api

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/opspanel/internal/db"
	"github.com/user/opspanel/internal/execmon"
	"github.com/user/opspanel/internal/template"
)

type handler struct {
	serviceRepo  *db.ServiceRepo
	imageRepo    *db.ImageRepo
	jobRepo      *db.JobRepo
	downloadRepo *db.DownloadRepo
	templates    *template.Registry
	monitors     *execmon.Registry

	backendURL   string
	pollInterval time.Duration
	httpClient   *http.Client
}

// Options carries the collaborators the router needs beyond the database.
type Options struct {
	Templates    *template.Registry
	Monitors     *execmon.Registry
	BackendURL   string
	PollInterval time.Duration
	Token        string
}

func NewRouter(conn *sql.DB, opts Options) http.Handler {
	handler := &handler{
		serviceRepo:  db.NewServiceRepo(conn),
		imageRepo:    db.NewImageRepo(conn),
		jobRepo:      db.NewJobRepo(conn),
		downloadRepo: db.NewDownloadRepo(conn),
		templates:    opts.Templates,
		monitors:     opts.Monitors,
		backendURL:   opts.BackendURL,
		pollInterval: opts.PollInterval,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/services", handler.createService)
	mux.HandleFunc("GET /api/services", handler.listServices)
	mux.HandleFunc("GET /api/services/{id}", handler.getService)
	mux.HandleFunc("PATCH /api/services/{id}", handler.updateService)
	mux.HandleFunc("DELETE /api/services/{id}", handler.deleteService)

	mux.HandleFunc("GET /api/images", handler.listImages)
	mux.HandleFunc("GET /api/images/{id}", handler.getImage)
	mux.HandleFunc("DELETE /api/images/{id}", handler.deleteImage)

	mux.HandleFunc("GET /api/templates", handler.listTemplates)
	mux.HandleFunc("GET /api/templates/{id}", handler.getTemplate)
	mux.HandleFunc("PUT /api/templates/{id}", handler.putTemplate)
	mux.HandleFunc("DELETE /api/templates/{id}", handler.deleteTemplate)

	mux.HandleFunc("POST /api/jobs", handler.startJob)
	mux.HandleFunc("GET /api/jobs", handler.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", handler.getJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", handler.cancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", handler.retryJob)
	mux.HandleFunc("POST /api/jobs/{id}/reset", handler.resetJob)
	mux.HandleFunc("GET /api/jobs/{id}/export", handler.exportJob)

	mux.HandleFunc("POST /api/downloads", handler.createDownload)
	mux.HandleFunc("GET /api/downloads", handler.listDownloads)
	mux.HandleFunc("GET /api/downloads/{id}", handler.getDownload)
	mux.HandleFunc("DELETE /api/downloads/{id}", handler.deleteDownload)

	wrapped := authMiddleware(opts.Token)(jsonMiddleware(corsMiddleware(mux)))
	return wrapped
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
