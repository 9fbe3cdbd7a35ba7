package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/tunnel"
	"github.com/matst80/backhaul/internal/web"
)

// statusSource is what the status endpoints need from the supervisor.
type statusSource interface {
	Status() tunnel.Status
}

// startMetricsServer serves Prometheus metrics plus health, state and dashboard endpoints.
func startMetricsServer(addr string, src statusSource) {
	if err := http.ListenAndServe(addr, newStatusMux(src)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"addr": addr}.Err(err))
	}
}

func newStatusMux(src statusSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.Status())
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", templateData(src.Status())); err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if st := src.Status(); st.Stopped || st.State != tunnel.StateServing {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(st.State.String()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// templateData flattens a status into the keys the dashboard template expects.
func templateData(st tunnel.Status) map[string]any {
	retry := ""
	if !st.RetryAt.IsZero() {
		retry = time.Until(st.RetryAt).Round(time.Second).String()
	}
	return map[string]any{
		"Tunnel":    st.Tunnel,
		"Relay":     st.Relay,
		"Session":   st.SessionID,
		"State":     st.State.String(),
		"Active":    st.ActiveConns,
		"Total":     st.TotalConns,
		"Attempt":   st.Attempt,
		"LastError": st.LastError,
		"RetryIn":   retry,
		"Stopped":   st.Stopped,
	}
}
