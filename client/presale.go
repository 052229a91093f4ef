package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// User is a wallet address the presale has recorded.
type User struct {
	WalletAddress string    `json:"walletAddress"`
	CreatedAt     time.Time `json:"createdAt"`
}

// UserPage is one page of registered users.
type UserPage struct {
	Users  []*User `json:"users"`
	Count  int     `json:"count"`
	Total  int64   `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// TimeLeft is the countdown to the sale deadline.
type TimeLeft struct {
	Days     int64 `json:"days"`
	Hours    int64 `json:"hours"`
	Minutes  int64 `json:"minutes"`
	Seconds  int64 `json:"seconds"`
	IsUrgent bool  `json:"isUrgent"`
	Ended    bool  `json:"ended"`
}

// Sale is the state the sale widgets render.
type Sale struct {
	SolPrice        decimal.Decimal `json:"solPrice"`
	SolPriceAt      *time.Time      `json:"quoteUpdatedAt,omitempty"`
	SolPriceDefault bool            `json:"quoteIsDefault"`
	CDXPrice        decimal.Decimal `json:"cdxPrice"`
	RemainingSupply int64           `json:"remainingSupply"`
	TotalForSale    int64           `json:"totalForSale"`
	SoldPercent     float64         `json:"soldPercent"`
	Deadline        time.Time       `json:"deadline"`
	TimeLeft        TimeLeft        `json:"timeLeft"`
	MinPurchase     decimal.Decimal `json:"minPurchase"`
	MaxPurchase     decimal.Decimal `json:"maxPurchase"`
}

// Estimate previews a purchase at the server's cached quote.
type Estimate struct {
	SolAmount decimal.Decimal `json:"solAmount"`
	SolPrice  decimal.Decimal `json:"solPrice"`
	Tokens    int64           `json:"tokens"`
}

// TransferRequest asks the server to send tokens for a payment.
type TransferRequest struct {
	BuyerPublicKey string          `json:"buyerPublicKey"`
	SolAmount      decimal.Decimal `json:"solAmount"`
	SolPrice       decimal.Decimal `json:"solPrice"`
}

// TransferError is the server's envelope for a failed transfer.
type TransferError struct {
	StatusCode int    `json:"-"`
	Title      string `json:"error"`
	Details    string `json:"details"`
	Stack      string `json:"stack"`
	Code       string `json:"code"`
}

func (e *TransferError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Title, e.Code, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Details)
}

// Purchase is a confirmed purchase delivered over the event stream.
type Purchase struct {
	Signature           string    `json:"signature"`
	BuyerAddress        string    `json:"buyer_address"`
	TokenMint           string    `json:"token_mint"`
	PaidAmount          string    `json:"paid_amount"`
	ReferenceQuote      string    `json:"reference_quote"`
	TokenQuantity       int64     `json:"token_quantity"`
	ComputeUnits        uint32    `json:"compute_units"`
	MicroLamports       uint64    `json:"micro_lamports"`
	Endpoint            string    `json:"endpoint"`
	CreatedBuyerAccount bool      `json:"created_buyer_account"`
	ConfirmedAt         time.Time `json:"confirmed_at"`
}

// Client is the HTTP client for the presale service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new presale service client. Transfers can take
// minutes to confirm, so the default client has no overall timeout; bound
// calls with ctx instead.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// RegisterWallet records a wallet address. Registering an address twice
// returns the original record.
func (c *Client) RegisterWallet(ctx context.Context, address string) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodPost, "/user", map[string]string{"walletAddress": address}, &user); err != nil {
		return nil, err
	}
	c.logger.Debug("wallet registered", "address", address)
	return &user, nil
}

// GetUser retrieves one registered wallet.
func (c *Client) GetUser(ctx context.Context, address string) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(address), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListUsers pages through registered wallets.
func (c *Client) ListUsers(ctx context.Context, limit, offset int) (*UserPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var page UserPage
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/users?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Transfer executes a purchase and blocks until the server reports the
// outcome. A non-empty idempotencyKey makes retries safe. Server-side
// failures are returned as *TransferError.
func (c *Client) Transfer(ctx context.Context, req TransferRequest, idempotencyKey string) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfer", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusInternalServerError {
		te := &TransferError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, te); err == nil && te.Title != "" {
			return "", te
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", errorFromBody(resp.StatusCode, raw)
	}

	var result struct {
		Success   bool   `json:"success"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if !result.Success || result.Signature == "" {
		return "", fmt.Errorf("unexpected transfer response: %s", string(raw))
	}

	c.logger.Debug("transfer confirmed",
		"buyer", req.BuyerPublicKey,
		"signature", result.Signature,
		"replayed", resp.Header.Get("Idempotent-Replayed") == "true",
	)
	return result.Signature, nil
}

// Sale fetches the sale state.
func (c *Client) Sale(ctx context.Context) (*Sale, error) {
	var s Sale
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/sale", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Estimate previews how many tokens amount would buy.
func (c *Client) Estimate(ctx context.Context, amount decimal.Decimal) (*Estimate, error) {
	var e Estimate
	path := "/api/v1/estimate?amount=" + url.QueryEscape(amount.String())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Quote fetches a fresh native coin price from the server.
func (c *Client) Quote(ctx context.Context) (decimal.Decimal, error) {
	var q struct {
		SolPrice decimal.Decimal `json:"solPrice"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/quote", nil, &q); err != nil {
		return decimal.Zero, err
	}
	return q.SolPrice, nil
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// Await blocks until a purchase matching matcher arrives on the event
// stream. An empty buyer watches every buyer.
func (c *Client) Await(ctx context.Context, buyer string, matcher func(*Purchase) bool) (*Purchase, error) {
	u := c.baseURL + "/api/v1/stream/purchases"
	if buyer != "" {
		u += "/" + url.PathEscape(buyer)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "purchase":
			var p Purchase
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p); err != nil {
				c.logger.Warn("failed to decode purchase event", "error", err)
				continue
			}
			if matcher == nil || matcher(&p) {
				return &p, nil
			}
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	return nil, fmt.Errorf("stream closed before a matching purchase arrived")
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return errorFromBody(resp.StatusCode, body)
}

func errorFromBody(status int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", status, string(body))
	}
	return fmt.Errorf("request failed: %s", errResp.Error)
}
