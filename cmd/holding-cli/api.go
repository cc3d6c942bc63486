package main

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/84hero/holding-mirror/pkg/metrics"
	"github.com/84hero/holding-mirror/pkg/mirror"
	"github.com/84hero/holding-mirror/pkg/session"
	"github.com/84hero/holding-mirror/pkg/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// holdingView is the read side of a session served over HTTP.
type holdingView interface {
	Snapshot() state.Snapshot
	RecentDeposits(ctx context.Context, n int) ([]session.Deposit, error)
	EstimateShares(ctx context.Context, token common.Address, amountRaw *big.Int, duration uint64, boostRaw *big.Int) session.Estimate
}

type api struct {
	view    holdingView
	metrics *metrics.Metrics
}

func newAPI(view holdingView, m *metrics.Metrics) *api {
	return &api{view: view, metrics: m}
}

// Handler routes /metrics, /snapshot, /deposits/recent and /estimate.
func (a *api) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /snapshot", a.snapshot)
	mux.HandleFunc("GET /deposits/recent", a.recentDeposits)
	mux.HandleFunc("GET /estimate", a.estimate)
	return mux
}

func (a *api) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.view.Snapshot())
}

func (a *api) recentDeposits(w http.ResponseWriter, r *http.Request) {
	n := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		n = v
	}
	deposits, err := a.view.RecentDeposits(r.Context(), n)
	if err != nil {
		log.Warn("Recent deposits failed", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deposits)
}

// estimate takes token (0.0.x or hex), amount (raw units), duration (seconds) and optional boost (raw units).
func (a *api) estimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tok, err := parseToken(q.Get("token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, ok := new(big.Int).SetString(q.Get("amount"), 10)
	if !ok || amount.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "amount must be a non-negative integer")
		return
	}
	duration, err := strconv.ParseUint(q.Get("duration"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "duration must be seconds")
		return
	}
	boost := new(big.Int)
	if s := q.Get("boost"); s != "" {
		if _, ok := boost.SetString(s, 10); !ok || boost.Sign() < 0 {
			writeError(w, http.StatusBadRequest, "boost must be a non-negative integer")
			return
		}
	}
	writeJSON(w, http.StatusOK, a.view.EstimateShares(r.Context(), tok, amount, duration, boost))
}

func parseToken(s string) (common.Address, error) {
	if s == "" || s == "native" {
		return common.Address{}, nil
	}
	if common.IsHexAddress(s) {
		return common.HexToAddress(s), nil
	}
	return mirror.EntityAddress(s)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Writing response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
