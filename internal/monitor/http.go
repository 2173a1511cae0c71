package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/model"
	"github.com/liamashdown/peggwatch/internal/storage"
)

// HTTPOptions carries the optional parts of the HTTP surface
type HTTPOptions struct {
	// Live serves the websocket stream on /ws when set
	Live http.Handler
	// VAPIDPublicKey is handed to browsers subscribing to push
	VAPIDPublicKey string
}

// NewHandler builds the health, metrics, read API and command routes
func NewHandler(svc *Service, opts HTTPOptions, log *logrus.Logger) http.Handler {
	mux := http.NewServeMux()
	h := &handler{svc: svc, log: log}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		metrics.RecordHealthCheck(true)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy"}`)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := svc.Ready(ctx); err != nil {
			metrics.RecordHealthCheck(false)
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unavailable"}`)
			return
		}
		metrics.RecordHealthCheck(true)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ready"}`)
	})

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	if opts.Live != nil {
		mux.Handle("/ws", opts.Live)
	}

	mux.HandleFunc("GET /api/instruments", h.instruments)
	mux.HandleFunc("GET /api/alerts", h.alerts)
	mux.HandleFunc("POST /api/alerts/{id}/read", h.markRead)
	mux.HandleFunc("GET /api/transfers", h.transfers)
	mux.HandleFunc("GET /api/accounts", h.accounts)
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("POST /api/scan", h.scan)
	mux.HandleFunc("POST /api/digest", h.digest)
	mux.HandleFunc("POST /api/push/subscribe", h.subscribe)
	mux.HandleFunc("GET /api/push/vapid", func(w http.ResponseWriter, r *http.Request) {
		if opts.VAPIDPublicKey == "" {
			writeError(w, http.StatusNotFound, "web push is not configured")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"public_key": opts.VAPIDPublicKey})
	})

	return mux
}

type handler struct {
	svc *Service
	log *logrus.Logger
}

func (h *handler) instruments(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Instruments(r.Context())
	h.respond(w, out, err)
}

func (h *handler) alerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	out, err := h.svc.Alerts(r.Context(), limit)
	h.respond(w, out, err)
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	err := h.svc.MarkAlertRead(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	h.respond(w, map[string]bool{"ok": true}, err)
}

func (h *handler) transfers(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	out, err := h.svc.Transfers(r.Context(), limit)
	h.respond(w, out, err)
}

func (h *handler) accounts(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.TrackedAccounts(r.Context())
	h.respond(w, out, err)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// scan starts the scan in the background and answers at once
func (h *handler) scan(w http.ResponseWriter, r *http.Request) {
	network := r.URL.Query().Get("network")
	targets, err := h.svc.ScanTargets(network)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := h.svc.TriggerManualScan(ctx, network); err != nil {
			h.log.WithError(err).Warn("Manual scan finished with errors")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "networks": targets})
}

func (h *handler) digest(w http.ResponseWriter, r *http.Request) {
	entry, created, err := h.svc.TriggerManualDigest(r.Context())
	if err != nil {
		h.respond(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"created": created, "digest": entry})
}

func (h *handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription body")
		return
	}
	sub := &model.PushSubscription{Endpoint: body.Endpoint, P256dh: body.Keys.P256dh, Auth: body.Keys.Auth}
	if err := h.svc.SubscribePush(r.Context(), sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (h *handler) respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		h.log.WithError(err).Error("API request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// NewServer wraps the handler with the server timeouts used by the service
func NewServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
