package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/config"
	"github.com/gftdcojp/wal-tiered-storage/internal/durability"
	"github.com/gftdcojp/wal-tiered-storage/internal/storage"
	"go.uber.org/zap"
)

type handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler returns the HTTP API routes.
func NewHandler(svc *Service) http.Handler {
	h := &handler{svc: svc, logger: svc.logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/namespaces/{ns}/meta", h.handleMeta)
	mux.HandleFunc("GET /v1/namespaces/{ns}/segments", h.handleSegments)
	mux.HandleFunc("GET /v1/namespaces/{ns}/escalations", h.handleEscalations)
	mux.HandleFunc("POST /v1/namespaces/{ns}/restore/{frame}", h.handleRestore)
	mux.HandleFunc("POST /v1/namespaces/{ns}/resume", h.handleResume)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, svc *Service, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(svc),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	code := http.StatusOK
	if st.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (h *handler) handleMeta(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Meta(r.Context(), r.PathValue("ns"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handler) handleSegments(w http.ResponseWriter, r *http.Request) {
	segs, err := h.svc.Segments(r.Context(), r.PathValue("ns"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, segs)
}

func (h *handler) handleEscalations(w http.ResponseWriter, r *http.Request) {
	escs, err := h.svc.Escalations(r.Context(), r.PathValue("ns"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escs)
}

func (h *handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	frameNo, err := strconv.ParseUint(r.PathValue("frame"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid frame number"})
		return
	}

	path, err := h.svc.Restore(r.Context(), ns, frameNo)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace": ns,
		"frame_no":  frameNo,
		"path":      path,
	})
}

func (h *handler) handleResume(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	if err := h.svc.Resume(r.Context(), ns); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed", "namespace": ns})
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= 500 {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrFrameNotFound):
		return http.StatusNotFound
	case errors.Is(err, durability.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
