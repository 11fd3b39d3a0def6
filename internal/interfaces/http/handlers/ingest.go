package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/sawpanic/polyrisk/internal/data/validate"
	"github.com/sawpanic/polyrisk/internal/pipeline"
)

// maxBatch bounds the number of observations in one request.
const maxBatch = 1000

// decodeBatch accepts either a single JSON object or an array of them.
func decodeBatch[T any](h *Handlers, w http.ResponseWriter, r *http.Request) ([]T, bool) {
	var raw json.RawMessage
	if !h.decode(w, r, &raw) {
		return nil, false
	}

	var items []T
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
			return nil, false
		}
	} else {
		var item T
		if err := json.Unmarshal(trimmed, &item); err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
			return nil, false
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		h.writeError(w, r, http.StatusBadRequest, "empty_batch", "no observations in request")
		return nil, false
	}
	if len(items) > maxBatch {
		h.writeError(w, r, http.StatusRequestEntityTooLarge, "batch_too_large", "too many observations in request")
		return nil, false
	}
	return items, true
}

// Ticks handles POST /ticks
func (h *Handlers) Ticks(w http.ResponseWriter, r *http.Request) {
	reqs, ok := decodeBatch[TickRequest](h, w, r)
	if !ok {
		return
	}

	resp := IngestResponse{Outcomes: make([]pipeline.Outcome, 0, len(reqs))}
	for _, req := range reqs {
		out := h.ingestTick(r, req)
		if out.Accepted() {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) ingestTick(r *http.Request, req TickRequest) pipeline.Outcome {
	missing := validate.ValidateRequiredFields(
		validate.Present("market", req.Market != ""),
		validate.Present("price", req.Price != nil),
	)
	if !missing.IsValid {
		return pipeline.Outcome{Market: req.Market, Result: missing}
	}

	tick := pipeline.Tick{Market: req.Market, Price: *req.Price, Timestamp: h.now()}
	if req.Timestamp != nil {
		tick.Timestamp = *req.Timestamp
	}
	return h.deps.Pipeline.IngestTick(r.Context(), tick)
}

// Quotes handles POST /quotes
func (h *Handlers) Quotes(w http.ResponseWriter, r *http.Request) {
	reqs, ok := decodeBatch[QuoteRequest](h, w, r)
	if !ok {
		return
	}

	resp := IngestResponse{Outcomes: make([]pipeline.Outcome, 0, len(reqs))}
	for _, req := range reqs {
		out := h.ingestQuote(r, req)
		if out.Accepted() {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) ingestQuote(r *http.Request, req QuoteRequest) pipeline.Outcome {
	missing := validate.ValidateRequiredFields(
		validate.Present("market", req.Market != ""),
		validate.Present("bid", req.Bid != nil),
		validate.Present("ask", req.Ask != nil),
	)
	if !missing.IsValid {
		return pipeline.Outcome{Market: req.Market, Result: missing}
	}

	quote := pipeline.Quote{Market: req.Market, Bid: *req.Bid, Ask: *req.Ask, Timestamp: h.now()}
	if req.Timestamp != nil {
		quote.Timestamp = *req.Timestamp
	}
	return h.deps.Pipeline.IngestQuote(r.Context(), quote)
}
