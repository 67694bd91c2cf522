// Package web serves the portal's HTML forms and the JSON maintenance API.
//
// Form posts follow post/redirect/get: outcomes are carried to the next page
// as flash messages in a short-lived cookie. JSON endpoints answer with
// {"error": "..."} bodies on failure.
package web

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"

	"github.com/septivank/electricity-meter-portal/internal/service"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{"index.html", "register.html", "reading.html", "query.html", "history.html"}

// Options configures optional endpoints and limits
type Options struct {
	// DebugToken enables GET /debug_memory when non-empty.
	DebugToken     string
	MaxUploadBytes int64
}

// Handler holds the dependencies of every route
type Handler struct {
	portal     *service.Portal
	logger     *zap.Logger
	pages      map[string]*template.Template
	debugToken string
	maxUpload  int64
}

// New parses the embedded templates and returns a Handler
func New(portal *service.Portal, logger *zap.Logger, opts Options) (*Handler, error) {
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		tmpl, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		pages[name] = tmpl
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}

	return &Handler{
		portal:     portal,
		logger:     logger,
		pages:      pages,
		debugToken: opts.DebugToken,
		maxUpload:  opts.MaxUploadBytes,
	}, nil
}

// Routes returns the portal's http.Handler
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.index)
	mux.HandleFunc("GET /register", h.registerPage)
	mux.HandleFunc("POST /register", h.register)
	mux.HandleFunc("GET /reading", h.readingPage)
	mux.HandleFunc("POST /reading", h.submitReading)
	mux.HandleFunc("GET /query", h.queryPage)
	mux.HandleFunc("POST /query", h.query)
	mux.HandleFunc("GET /history", h.historyPage)
	mux.HandleFunc("POST /history", h.history)

	mux.HandleFunc("GET /stop_server", h.stopServerStatus)
	mux.HandleFunc("POST /stop_server/toggle", h.stopServerToggle)
	mux.HandleFunc("POST /stop_server/set", h.stopServerSet)
	mux.HandleFunc("POST /stop_server/reset", h.stopServerReset)
	mux.HandleFunc("GET /healthz", h.healthz)

	if h.debugToken != "" {
		mux.HandleFunc("GET /debug_memory", h.debugMemory)
	}

	return h.requestLogging(h.recoverPanic(mux))
}

// pageData is passed to every page template
type pageData struct {
	Title   string
	Flashes []Flash
	Result  string
	Form    map[string]string
}

// render executes a page into a buffer so template errors never produce a
// half-written response
func (h *Handler) render(w http.ResponseWriter, r *http.Request, name string, data pageData) {
	data.Flashes = popFlashes(w, r)

	var buf bytes.Buffer
	if err := h.pages[name].ExecuteTemplate(&buf, "layout", data); err != nil {
		loggerFrom(r.Context(), h.logger).Error("failed to render page", zap.Error(err), zap.String("page", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w) //nolint:errcheck
}

// redirect sends the browser back to a page after a form post
func redirect(w http.ResponseWriter, r *http.Request, path string, flashes ...Flash) {
	setFlashes(w, flashes)
	http.Redirect(w, r, path, http.StatusSeeOther)
}

// fail turns a user error into a flash and redirect; anything else is a 500
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, path string) {
	if service.IsUserError(err) {
		redirect(w, r, path, Flash{Category: FlashError, Message: err.Error()})
		return
	}
	h.internalError(w, r, err)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	loggerFrom(r.Context(), h.logger).Error("request failed", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
