package http

import (
	"encoding/json"
	"net/http"

	"github.com/dropDatabas3/shakend/internal/engine"
	"github.com/dropDatabas3/shakend/internal/observability/logger"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleVerify procesa POST /v1/verify.
// Body: {"header": "...", "payload": "...", "signature": "...", "alg": "...", "x5u": "..."}
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var in engine.VerifyInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	p, err := s.eng.Verify(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(p)
}

// handleSign procesa POST /v1/sign.
// Body: el documento JWT completo {"header": {...}, "payload": {...}}.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	p, err := s.eng.Sign(r.Context(), doc)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(p)
}

// handleListKeys procesa GET /v1/keys: URLs de claves cacheadas.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	urls, err := s.eng.CachedKeyURLs()
	if err != nil {
		writeError(w, err)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"urls": urls})
}

// handleEvictKey procesa DELETE /v1/keys?url=...
func (s *Server) handleEvictKey(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeBadRequest(w, "query param 'url' is required")
		return
	}
	s.eng.EvictKey(url)
	logger.From(r.Context()).Info("clave desalojada por admin", logger.URL(url))
	w.WriteHeader(http.StatusNoContent)
}

// handleReload procesa POST /v1/reload: re-escanea los certificados.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.ReloadCerts(); err != nil {
		logger.From(r.Context()).Error("reload de certificados falló", logger.Err(err))
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"reloaded":     true,
		"certificates": len(s.eng.Certificates()),
	})
}
