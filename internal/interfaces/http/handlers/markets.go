package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/polyrisk/internal/persistence"
)

const (
	defaultAnomalyLimit = 100
	maxAnomalyLimit     = 1000
)

// Markets handles GET /markets
func (h *Handlers) Markets(w http.ResponseWriter, r *http.Request) {
	stats := h.deps.Pipeline.AllStats()
	h.writeJSON(w, http.StatusOK, MarketsResponse{Count: len(stats), Markets: stats})
}

// MarketStats handles GET /markets/{market}/stats
func (h *Handlers) MarketStats(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	stats, ok := h.deps.Pipeline.Stats(market)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "market_not_found", "no data for market "+market)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ResetMarket handles DELETE /markets/{market}
func (h *Handlers) ResetMarket(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	if !h.deps.Pipeline.ResetMarket(market) {
		h.writeError(w, r, http.StatusNotFound, "market_not_found", "no data for market "+market)
		return
	}
	log.Info().Str("market", market).Str("request_id", RequestID(r.Context())).Msg("Market state reset")
	w.WriteHeader(http.StatusNoContent)
}

// Correlated handles GET /markets/{market}/correlated
func (h *Handlers) Correlated(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	h.writeJSON(w, http.StatusOK, CorrelatedResponse{
		Market:     market,
		Threshold:  h.deps.Pipeline.Threshold(),
		Correlated: h.deps.Pipeline.CorrelatedMarkets(market),
	})
}

// MarketAnomalies handles GET /markets/{market}/anomalies
func (h *Handlers) MarketAnomalies(w http.ResponseWriter, r *http.Request) {
	if h.deps.Anomalies == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "audit_disabled", "anomaly audit log is not configured")
		return
	}

	tr, err := h.timeRange(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultAnomalyLimit, maxAnomalyLimit)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	records, err := h.deps.Anomalies.ListByMarket(r.Context(), mux.Vars(r)["market"], tr, limit)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Failed to list anomalies")
		h.writeError(w, r, http.StatusInternalServerError, "query_failed", "failed to list anomalies")
		return
	}
	if records == nil {
		records = []persistence.AnomalyRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

// AnomalyCounts handles GET /anomalies/counts
func (h *Handlers) AnomalyCounts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Anomalies == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "audit_disabled", "anomaly audit log is not configured")
		return
	}

	tr, err := h.timeRange(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}

	counts, err := h.deps.Anomalies.CountByKind(r.Context(), tr)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Failed to count anomalies")
		h.writeError(w, r, http.StatusInternalServerError, "query_failed", "failed to count anomalies")
		return
	}
	h.writeJSON(w, http.StatusOK, AnomalyCountsResponse{From: tr.From, To: tr.To, Counts: counts})
}
