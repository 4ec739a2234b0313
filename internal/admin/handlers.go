package admin

import (
	"encoding/json"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	logx "tickhub/pkg/logx"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Handler returns the API handler for cfg (auth included). Exposed for tests.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.handler(cur)
}

func (s *Service) handler(cur Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(s.handleHealth))
	mux.HandleFunc("GET /loop", wrap(s.handleLoop))
	mux.HandleFunc("GET /history", wrap(s.handleHistory))
	mux.HandleFunc("GET /tasks", wrap(s.handleTasks))
	mux.HandleFunc("POST /tasks/{name}/run", wrap(s.handleRun))
	mux.HandleFunc("POST /tasks/{name}/freeze", wrap(s.handleFreeze))
	mux.HandleFunc("GET /activity", wrap(s.handleActivityGet))
	mux.HandleFunc("PUT /activity", wrap(s.handleActivityPut))

	if cur.Pprof {
		prefix := normalizePrefix(cur.PprofPrefix)
		base := strings.TrimSuffix(prefix, "/")
		mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
		mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
		})
	}
	return mux
}

type healthResponse struct {
	Status     string `json:"status"`
	State      string `json:"state"`
	Active     bool   `json:"active"`
	Tasks      int    `json:"tasks"`
	Goroutines any    `json:"goroutines,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Loop.Snapshot()
	resp := healthResponse{
		Status: "ok",
		State:  string(snap.State),
		Active: snap.Active,
		Tasks:  len(snap.Tasks),
	}
	if s.deps.Health != nil {
		resp.Goroutines = s.deps.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleLoop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Loop.Snapshot())
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "run history disabled")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	runs, err := s.deps.History.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Jobs.Names())
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.deps.Jobs == nil || !s.deps.Jobs.Run(name) {
		writeError(w, http.StatusNotFound, "unknown task "+strconv.Quote(name))
		return
	}
	s.log.Info("task run requested", logx.String("task", name))
	writeJSON(w, http.StatusOK, map[string]any{"task": name, "ran": true})
}

func (s *Service) handleFreeze(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	frozen := true
	if raw := r.URL.Query().Get("frozen"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "frozen must be a boolean")
			return
		}
		frozen = v
	}
	if s.deps.Jobs == nil || !s.deps.Jobs.Freeze(name, frozen) {
		writeError(w, http.StatusNotFound, "unknown task "+strconv.Quote(name))
		return
	}
	s.log.Info("task freeze changed", logx.String("task", name), logx.Bool("frozen", frozen))
	writeJSON(w, http.StatusOK, map[string]any{"task": name, "frozen": frozen})
}

func (s *Service) handleActivityGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active": s.deps.Loop.Snapshot().Active})
}

// handleActivityPut accepts "active" or "inactive" (or a boolean) as the body.
func (s *Service) handleActivityPut(w http.ResponseWriter, r *http.Request) {
	if s.deps.Activity == nil {
		writeError(w, http.StatusConflict, "activity source is not \"http\"")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 256))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var active bool
	switch v := strings.ToLower(strings.Trim(strings.TrimSpace(string(body)), `"`)); v {
	case "active", "true", "1", "on":
		active = true
	case "inactive", "false", "0", "off":
		active = false
	default:
		writeError(w, http.StatusBadRequest, `body must be "active" or "inactive"`)
		return
	}
	changed := s.deps.Activity.Set(active)
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "changed": changed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token>, or ?token=<token> for browsers.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/, so custom
// prefixes are rewritten before calling it.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}
