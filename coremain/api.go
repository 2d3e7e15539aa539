package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleWorkerStatus reports the active worker version and the cached
// entries of every bucket.
func (m *Swcache) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	e, ok := m.workers[tag]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown worker %s", tag))
		return
	}
	st, err := e.reg.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleWorkerUpdate re-reads the config files and installs the worker
// again if its policy changed.
func (m *Swcache) handleWorkerUpdate(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	e, ok := m.workers[tag]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown worker %s", tag))
		return
	}

	wc := e.config()
	if len(m.cfgFiles) > 0 && len(m.cfgFiles[0]) > 0 {
		cfg, _, err := loadConfigWithInclude(m.cfgFiles[0])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		found := false
		for _, c := range cfg.Workers {
			if c.Tag == tag {
				wc, found = c, true
				break
			}
		}
		if !found {
			writeError(w, http.StatusConflict, fmt.Errorf("worker %s was removed from the config", tag))
			return
		}
	}

	if err := m.updateWorker(r.Context(), e, wc); err != nil {
		m.logger.Warn("worker update failed", zap.String("worker", tag), zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}

	st, err := e.reg.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
