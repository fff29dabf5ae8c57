package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

// quoteResolver and historyReader are the read-only slices of the core the
// API exposes.
type quoteResolver interface {
	Latest(ctx context.Context, chain model.Chain, tokenAddress string) (*model.LatestQuote, error)
}

type historyReader interface {
	Range(ctx context.Context, chain model.Chain, tokenAddress string, from, to time.Time) ([]model.PricePoint, error)
}

type quoteResponse struct {
	Chain     string `json:"chain"`
	Address   string `json:"address"`
	USD       string `json:"usd"`
	Provider  string `json:"provider"`
	Timestamp int64  `json:"timestamp"`
}

type historyPoint struct {
	USD       string `json:"usd"`
	Provider  string `json:"provider"`
	Timestamp int64  `json:"timestamp"`
}

func handleQuote(resolver quoteResolver, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chain, err := model.ParseChain(r.URL.Query().Get("chain"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		address := r.URL.Query().Get("address")
		if address == "" {
			http.Error(w, "address is required", http.StatusBadRequest)
			return
		}

		q, err := resolver.Latest(r.Context(), chain, address)
		if err != nil {
			logger.Error("quote lookup failed", "chain", chain, "address", address, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if q == nil {
			http.Error(w, "no quote available", http.StatusNotFound)
			return
		}

		writeJSON(w, logger, quoteResponse{
			Chain:     q.Chain.String(),
			Address:   q.TokenAddress,
			USD:       q.PriceUSD.String(),
			Provider:  string(q.Provenance),
			Timestamp: q.Timestamp.Unix(),
		})
	}
}

func handleHistory(history historyReader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chain, err := model.ParseChain(r.URL.Query().Get("chain"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		address := r.URL.Query().Get("address")
		if address == "" {
			http.Error(w, "address is required", http.StatusBadRequest)
			return
		}
		from, err := parseUnixParam(r, "from", time.Time{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		to, err := parseUnixParam(r, "to", time.Now().UTC())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		points, err := history.Range(r.Context(), chain, address, from, to)
		if err != nil {
			logger.Error("history lookup failed", "chain", chain, "address", address, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		out := make([]historyPoint, 0, len(points))
		for _, p := range points {
			out = append(out, historyPoint{
				USD:       p.PriceUSD.String(),
				Provider:  string(p.Provenance),
				Timestamp: p.Timestamp.Unix(),
			})
		}
		writeJSON(w, logger, out)
	}
}

func parseUnixParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be a unix timestamp", name)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}
