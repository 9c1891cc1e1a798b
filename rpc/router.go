// Package rpc exposes the node's read-only HTTP surface: health, per-chain
// status and prometheus metrics.
package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hyperplane/types"
)

// ChainStatus is the externally visible state of one gateway.
type ChainStatus struct {
	ID           types.ChainID `json:"id"`
	Height       uint64        `json:"height"`
	PendingCount int           `json:"pendingCount"`
	Regular      KindCounts    `json:"regular"`
	CATs         KindCounts    `json:"cats"`
}

// KindCounts tallies transactions of one kind by status.
type KindCounts struct {
	Pending uint64 `json:"pending"`
	Success uint64 `json:"success"`
	Failure uint64 `json:"failure"`
}

// Report is the full status document served at /status.
type Report struct {
	Chains       []ChainStatus `json:"chains"`
	ResolvedCATs int           `json:"resolvedCats"`
}

// Source produces status reports. The daemon implements it by querying the
// component nodes.
type Source interface {
	Report() (Report, error)
	ChainStatus(id types.ChainID) (ChainStatus, bool, error)
}

// NewRouter builds the read-only HTTP router.
func NewRouter(src Source) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		report, err := src.Report()
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	r.Get("/chains/{chainID}", func(w http.ResponseWriter, req *http.Request) {
		id := types.ChainID(chi.URLParam(req, "chainID"))
		status, found, err := src.ChainStatus(id)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown chain"})
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
