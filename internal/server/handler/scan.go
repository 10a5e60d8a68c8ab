package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/domain"
)

// ScanService defines the methods the scan handler requires.
type ScanService interface {
	Scan(ctx context.Context, req arbitrage.ScanRequest) (arbitrage.ScanResult, error)
	Last() (arbitrage.ScanResult, bool)
}

// ScanDefaults fill fields a scan request leaves out.
type ScanDefaults struct {
	VenueIDs     []string
	SymbolCap    int
	MinProfitPct float64
	// Timeout bounds a whole scan started over HTTP.
	Timeout time.Duration
}

// ScanHandler serves the scan endpoints.
type ScanHandler struct {
	svc      ScanService
	defaults ScanDefaults
	logger   *slog.Logger
}

// NewScanHandler creates a ScanHandler.
func NewScanHandler(svc ScanService, defaults ScanDefaults, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{svc: svc, defaults: defaults, logger: logHandler(logger, "scan")}
}

// scanRequest is the body of POST /api/scan. Every field is optional.
type scanRequest struct {
	Venues       []string `json:"venues"`
	SymbolCap    *int     `json:"symbol_cap"`
	MinProfitPct *float64 `json:"min_profit_pct"`
}

// Scan runs one scan pass and returns the ranked opportunities.
// POST /api/scan
func (h *ScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var body scanRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := arbitrage.ScanRequest{
		VenueIDs:     h.defaults.VenueIDs,
		SymbolCap:    h.defaults.SymbolCap,
		MinProfitPct: h.defaults.MinProfitPct,
	}
	if len(body.Venues) > 0 {
		req.VenueIDs = body.Venues
	}
	if body.SymbolCap != nil {
		req.SymbolCap = *body.SymbolCap
	}
	if body.MinProfitPct != nil {
		req.MinProfitPct = *body.MinProfitPct
	}

	ctx := r.Context()
	if h.defaults.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.defaults.Timeout)
		defer cancel()
	}

	res, err := h.svc.Scan(ctx, req)
	if err != nil {
		// A scan cut short still returns what it found.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			h.logger.WarnContext(r.Context(), "handler: scan interrupted", slog.String("error", err.Error()))
			writeJSON(w, http.StatusOK, scanResponse(res, true))
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: scan failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scanResponse(res, false))
}

// LastScan returns the most recent scan result.
// GET /api/scan/last
func (h *ScanHandler) LastScan(w http.ResponseWriter, r *http.Request) {
	res, ok := h.svc.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no scan has run yet")
		return
	}
	writeJSON(w, http.StatusOK, scanResponse(res, false))
}

type scanResult struct {
	arbitrage.ScanResult
	Partial bool `json:"partial,omitempty"`
}

func scanResponse(res arbitrage.ScanResult, partial bool) scanResult {
	if res.Opportunities == nil {
		res.Opportunities = []domain.Opportunity{}
	}
	if res.OperationalVenues == nil {
		res.OperationalVenues = []string{}
	}
	return scanResult{ScanResult: res, Partial: partial}
}
