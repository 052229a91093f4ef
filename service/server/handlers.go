package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/presale/service/config"
	"github.com/brojonat/presale/service/db"
	"github.com/brojonat/presale/service/presale"
	"github.com/brojonat/presale/service/registry"
	"github.com/brojonat/presale/service/sale"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxListLimit       = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// transferErrorTitle is the fixed "error" field of every failed transfer.
const transferErrorTitle = "Failed to transfer CDX tokens"

type transferRequest struct {
	BuyerPublicKey string          `json:"buyerPublicKey"`
	SolAmount      decimal.Decimal `json:"solAmount"`
	SolPrice       decimal.Decimal `json:"solPrice"`
}

type transferResponse struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature"`
}

type transferErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
	Stack   string `json:"stack"`
	Code    string `json:"code"`
}

// handleTransfer returns a handler that executes a purchase.
// POST /transfer
// Every failure answers 500 with the same envelope; "code" names the cause.
func handleTransfer(p Purchaser, red *redactor, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		reqID := requestID(r.Context())

		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.DebugContext(r.Context(), "failed to decode transfer request", "error", err)
			writeTransferError(w, red, fmt.Errorf("%w: invalid request body: %w", presale.ErrInvalidInput, err))
			return
		}

		// Confirmation can outlast the server's default write timeout.
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Now().Add(transferWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.WarnContext(r.Context(), "failed to extend write deadline", "error", err)
		}

		logger.InfoContext(r.Context(), "transfer requested",
			"buyer", req.BuyerPublicKey,
			"sol_amount", req.SolAmount.String(),
			"sol_price", req.SolPrice.String(),
			"request_id", reqID,
		)

		// A dropped client must not abort a purchase that may already be on chain.
		ctx := context.WithoutCancel(r.Context())
		sig, err := p.SubmitPurchase(ctx, presale.PurchaseRequest{
			BuyerAddress:   strings.TrimSpace(req.BuyerPublicKey),
			PaidAmount:     req.SolAmount,
			ReferenceQuote: req.SolPrice,
		})
		if err != nil {
			logger.ErrorContext(ctx, "transfer failed",
				"buyer", req.BuyerPublicKey,
				"code", presale.Code(err),
				"error", red.redact(err.Error()),
				"request_id", reqID,
			)
			writeTransferError(w, red, err)
			return
		}

		writeJSON(w, transferResponse{Success: true, Signature: sig.String()}, http.StatusOK)
	})
}

func writeTransferError(w http.ResponseWriter, red *redactor, err error) {
	writeJSON(w, transferErrorResponse{
		Error:   transferErrorTitle,
		Details: red.redact(transferDetails(err)),
		Stack:   red.redact(errorChain(err)),
		Code:    presale.Code(err),
	}, http.StatusInternalServerError)
}

// transferDetails is the human-readable message for a failed transfer.
func transferDetails(err error) string {
	if errors.Is(err, presale.ErrSubmissionExhausted) {
		cause := strings.TrimPrefix(err.Error(), presale.ErrSubmissionExhausted.Error()+": ")
		return fmt.Sprintf("Transaction failed: %s. Please try again in a few minutes.", cause)
	}
	if errors.Is(err, presale.ErrConfirmationTimeout) {
		return "Transaction confirmation failed after all retries"
	}
	return err.Error()
}

// handleRegisterUser returns a handler that records a wallet.
// POST /user
func handleRegisterUser(reg UserRegistry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body == nil {
			logger.DebugContext(r.Context(), "failed to decode user request", "error", err)
			writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		address, ok := body["walletAddress"].(string)
		if !ok || strings.TrimSpace(address) == "" {
			writeError(w, "Valid wallet address is required", http.StatusBadRequest)
			return
		}
		address = strings.TrimSpace(address)
		if err := validateAddress(address); err != nil {
			logger.DebugContext(r.Context(), "invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		user, err := reg.RegisterWallet(r.Context(), address)
		switch {
		case err == nil:
			writeJSON(w, user, http.StatusOK)
		case errors.Is(err, registry.ErrInvalidInput):
			writeError(w, "Valid wallet address is required", http.StatusBadRequest)
		case errors.Is(err, db.ErrDuplicateKey):
			writeError(w, "This wallet address is already registered", http.StatusConflict)
		default:
			logger.ErrorContext(r.Context(), "failed to register wallet",
				"address", address,
				"error", err,
				"request_id", requestID(r.Context()),
			)
			writeError(w, "Database operation failed: "+err.Error(), http.StatusInternalServerError)
		}
	})
}

// handleGetUser returns a handler that retrieves one wallet record.
// GET /api/v1/users/{address}
func handleGetUser(reg UserRegistry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.DebugContext(r.Context(), "invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		user, err := reg.GetUser(r.Context(), address)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "user not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get user", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, user, http.StatusOK)
	})
}

// handleListUsers returns a handler that pages through wallet records.
// GET /api/v1/users?limit=N&offset=N
func handleListUsers(reg UserRegistry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		limit, err := parseIntParam(query.Get("limit"), 100)
		if err != nil || limit < 1 || limit > maxListLimit {
			writeError(w, fmt.Sprintf("invalid limit parameter: must be between 1 and %d", maxListLimit), http.StatusBadRequest)
			return
		}
		offset, err := parseIntParam(query.Get("offset"), 0)
		if err != nil || offset < 0 {
			writeError(w, "invalid offset parameter: must be a non-negative integer", http.StatusBadRequest)
			return
		}

		users, err := reg.ListUsers(r.Context(), limit, offset)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list users", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		total, err := reg.CountUsers(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to count users", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"users":  users,
			"count":  len(users),
			"total":  total,
			"limit":  limit,
			"offset": offset,
		}, http.StatusOK)
	})
}

type saleResponse struct {
	Quote           string        `json:"solPrice"`
	QuoteUpdatedAt  *time.Time    `json:"quoteUpdatedAt,omitempty"`
	QuoteIsDefault  bool          `json:"quoteIsDefault"`
	UnitPrice       string        `json:"cdxPrice"`
	RemainingSupply int64         `json:"remainingSupply"`
	TotalForSale    int64         `json:"totalForSale"`
	SoldPercent     float64       `json:"soldPercent"`
	Deadline        time.Time     `json:"deadline"`
	TimeLeft        sale.TimeLeft `json:"timeLeft"`
	MinPurchase     string        `json:"minPurchase"`
	MaxPurchase     string        `json:"maxPurchase"`
}

// handleSale returns a handler serving everything the sale widgets render.
// GET /api/v1/sale
func handleSale(cfg *config.Config, quotes QuoteSource, supply SupplySource, now func() time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining := supply.RemainingSupply()
		var quoteUpdatedAt *time.Time
		updatedAt, fresh := quotes.QuoteUpdatedAt()
		if fresh {
			quoteUpdatedAt = &updatedAt
		}
		writeJSON(w, saleResponse{
			Quote:           quotes.Quote().String(),
			QuoteUpdatedAt:  quoteUpdatedAt,
			QuoteIsDefault:  !fresh,
			UnitPrice:       presale.FixedUnitPrice.String(),
			RemainingSupply: remaining,
			TotalForSale:    cfg.TotalForSale,
			SoldPercent:     sale.Progress(remaining, cfg.TotalForSale),
			Deadline:        cfg.SaleDeadline,
			TimeLeft:        sale.Countdown(now(), cfg.SaleDeadline),
			MinPurchase:     cfg.MinPurchase.String(),
			MaxPurchase:     cfg.MaxPurchase.String(),
		}, http.StatusOK)
	})
}

// handleQuote returns a handler that serves a freshly fetched quote.
// GET /api/v1/quote
func handleQuote(quotes QuoteSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"solPrice": quotes.GetQuote(r.Context()).String(),
		}, http.StatusOK)
	})
}

// handleEstimate returns a handler previewing the tokens a payment buys at the
// cached quote.
// GET /api/v1/estimate?amount=0.5
func handleEstimate(quotes QuoteSource, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("amount")
		if raw == "" {
			writeError(w, "amount query parameter is required", http.StatusBadRequest)
			return
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil || amount.IsNegative() {
			logger.DebugContext(r.Context(), "invalid estimate amount", "amount", raw, "error", err)
			writeError(w, "invalid amount: must be a non-negative number", http.StatusBadRequest)
			return
		}

		quote := quotes.Quote()
		tokens, err := presale.TokenQuantity(amount, quote)
		if err != nil {
			logger.DebugContext(r.Context(), "estimate out of range", "amount", raw, "error", err)
			writeError(w, "invalid amount: too large", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]interface{}{
			"solAmount": amount.String(),
			"solPrice":  quote.String(),
			"tokens":    max(tokens, 0),
		}, http.StatusOK)
	})
}

func parseIntParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
