package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sawpanic/polyrisk/internal/data/validate"
	"github.com/sawpanic/polyrisk/internal/risk"
	"github.com/sawpanic/polyrisk/internal/risk/correlation"
)

// Correlations handles GET /correlations
func (h *Handlers) Correlations(w http.ResponseWriter, r *http.Request) {
	pairs := h.deps.Pipeline.Matrix().All()
	h.writeJSON(w, http.StatusOK, MatrixResponse{
		Threshold: h.deps.Pipeline.Threshold(),
		Count:     len(pairs),
		Pairs:     pairs,
	})
}

// Pair handles GET /correlations/{a}/{b}
func (h *Handlers) Pair(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, b := vars["a"], vars["b"]

	mc, ok := h.deps.Pipeline.Matrix().Get(a, b)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "pair_not_found", "no correlation cached for "+correlation.MakeKey(a, b).String())
		return
	}
	h.writeJSON(w, http.StatusOK, PairResponse{
		MarketCorrelation: mc,
		Correlated:        h.deps.Pipeline.AreCorrelated(a, b),
	})
}

// Penalty handles POST /penalty
func (h *Handlers) Penalty(w http.ResponseWriter, r *http.Request) {
	var req PenaltyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if missing := validate.ValidateRequiredFields(validate.Present("candidate", req.Candidate != "")); !missing.IsValid {
		h.writeJSON(w, http.StatusUnprocessableEntity, missing)
		return
	}
	h.writeJSON(w, http.StatusOK, PenaltyResponse{
		Candidate: req.Candidate,
		Penalty:   h.deps.Pipeline.Penalty(req.Candidate, req.Existing),
	})
}

// Size handles POST /size
func (h *Handlers) Size(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sizer == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "sizing_disabled", "position sizing is not configured")
		return
	}

	var req SizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	missing := validate.ValidateRequiredFields(
		validate.Present("market", req.Market != ""),
		validate.Present("base_size", req.BaseSize != nil),
		validate.Present("balance", req.Balance != nil),
	)
	if !missing.IsValid {
		h.writeJSON(w, http.StatusUnprocessableEntity, missing)
		return
	}

	h.writeJSON(w, http.StatusOK, h.deps.Sizer.Size(risk.SizeRequest{
		Market:      req.Market,
		BaseSize:    *req.BaseSize,
		Balance:     *req.Balance,
		OpenMarkets: req.OpenMarkets,
	}))
}
