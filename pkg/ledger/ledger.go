// Package ledger implements the game service's client for the external
// chip ledger: unary, idempotent reserve/commit/release/cash-out/settle
// calls. Every call returns a tri-state Result so callers can distinguish
// a semantic refusal from transport-level unavailability, which the
// orchestrator needs for its trust-and-continue policy.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Result is the tri-state outcome of a ledger call.
//
//   - OK=true:  the operation succeeded.
//   - OK=false, Unavailable=false: the ledger reached a semantic decision
//     to refuse (e.g. insufficient balance); Err carries the reason.
//   - Unavailable=true: a transport-level failure; the ledger's actual
//     decision is unknown. Callers apply trust-and-continue policy.
type Result struct {
	OK          bool
	Unavailable bool
	Err         error
}

// Client is the Game Service's view of the ledger. Implementations must
// treat every method as idempotent per its IdempotencyKey.
type Client interface {
	ReserveForBuyIn(ctx context.Context, userID, tableID string, amount int64, idempotencyKey string) (reservationID string, result Result)
	CommitReservation(ctx context.Context, reservationID, idempotencyKey string) Result
	ReleaseReservation(ctx context.Context, reservationID, idempotencyKey, reason string)
	ProcessCashOut(ctx context.Context, userID, tableID string, amount int64, idempotencyKey string) Result
	RecordContribution(ctx context.Context, userID, tableID, handID string, amount int64, idempotencyKey string) Result
	SettlePot(ctx context.Context, tableID, handID string, payouts map[string]int64, idempotencyKey string) Result
	CancelPot(ctx context.Context, tableID, handID, idempotencyKey string) Result
}

// BuyInKey and friends centralize the deterministic idempotency key
// schemes so retries hit the same key.
func BuyInKey(tableID string, seatID int, userID, uuid string) string {
	return fmt.Sprintf("buyin:%s:%d:%s:%s", tableID, seatID, userID, uuid)
}

func ContributionKey(tableID, handID, actionID string) string {
	return fmt.Sprintf("contrib:%s:%s:%s", tableID, handID, actionID)
}

func SettleKey(tableID, handID string) string {
	return fmt.Sprintf("settle:%s:%s", tableID, handID)
}

func CashOutKey(tableID, userID string, seatID int, uuid string) string {
	return fmt.Sprintf("cashout:%s:%s:%d:%s", tableID, userID, seatID, uuid)
}

// HTTPClient is the production Client, talking JSON-over-HTTP to the
// external ledger service. A transport error (including context deadline)
// is reported as Unavailable, as is a 5xx response or an undecodable body;
// a 4xx response with a decoded error body is reported as a semantic
// (OK=false) refusal.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
}

// NewHTTPClient builds a ledger client against baseURL with the given
// per-call timeout. Buy-in reservations run with a 30s timeout; other
// calls use the same client with caller-supplied contexts.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, hc: &http.Client{Timeout: timeout}}
}

type reserveReq struct {
	UserID         string `json:"user_id"`
	TableID        string `json:"table_id"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// apiResp is the envelope every ledger endpoint replies with; unused
// fields are simply left zero for a given call.
type apiResp struct {
	Error         string `json:"error,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
}

func (c *HTTPClient) ReserveForBuyIn(ctx context.Context, userID, tableID string, amount int64, idempotencyKey string) (string, Result) {
	req := reserveReq{UserID: userID, TableID: tableID, Amount: fmt.Sprintf("%d", amount), IdempotencyKey: idempotencyKey}
	resp, res := c.call(ctx, "/v1/reserve", req)
	return resp.ReservationID, res.withError(resp.Error)
}

func (c *HTTPClient) CommitReservation(ctx context.Context, reservationID, idempotencyKey string) Result {
	req := map[string]string{"reservation_id": reservationID, "idempotency_key": idempotencyKey}
	resp, res := c.call(ctx, "/v1/commit", req)
	return res.withError(resp.Error)
}

// ReleaseReservation is fire-and-forget: it returns nothing, so a transport
// failure or refusal of the release is discarded and not reported to the
// caller or logged.
func (c *HTTPClient) ReleaseReservation(ctx context.Context, reservationID, idempotencyKey, reason string) {
	req := map[string]string{"reservation_id": reservationID, "idempotency_key": idempotencyKey, "reason": reason}
	c.call(ctx, "/v1/release", req)
}

func (c *HTTPClient) ProcessCashOut(ctx context.Context, userID, tableID string, amount int64, idempotencyKey string) Result {
	req := map[string]any{"user_id": userID, "table_id": tableID, "amount": fmt.Sprintf("%d", amount), "idempotency_key": idempotencyKey}
	resp, res := c.call(ctx, "/v1/cashout", req)
	return res.withError(resp.Error)
}

func (c *HTTPClient) RecordContribution(ctx context.Context, userID, tableID, handID string, amount int64, idempotencyKey string) Result {
	req := map[string]any{"user_id": userID, "table_id": tableID, "hand_id": handID, "amount": fmt.Sprintf("%d", amount), "idempotency_key": idempotencyKey}
	resp, res := c.call(ctx, "/v1/contribution", req)
	return res.withError(resp.Error)
}

func (c *HTTPClient) SettlePot(ctx context.Context, tableID, handID string, payouts map[string]int64, idempotencyKey string) Result {
	strPayouts := make(map[string]string, len(payouts))
	for k, v := range payouts {
		strPayouts[k] = fmt.Sprintf("%d", v)
	}
	req := map[string]any{"table_id": tableID, "hand_id": handID, "payouts": strPayouts, "idempotency_key": idempotencyKey}
	resp, res := c.call(ctx, "/v1/settle", req)
	return res.withError(resp.Error)
}

func (c *HTTPClient) CancelPot(ctx context.Context, tableID, handID, idempotencyKey string) Result {
	req := map[string]string{"table_id": tableID, "hand_id": handID, "idempotency_key": idempotencyKey}
	resp, res := c.call(ctx, "/v1/cancel", req)
	return res.withError(resp.Error)
}

// withError attaches the decoded error body to a semantic refusal (a 4xx
// response, which call returns as OK=false with no Err). Successful results
// and results call already marked Unavailable or failed pass through
// unchanged.
func (r Result) withError(errField string) Result {
	if r.Unavailable || r.Err != nil || r.OK {
		return r
	}
	return Result{OK: false, Err: errors.New(errField)}
}

func (c *HTTPClient) call(ctx context.Context, path string, body any) (apiResp, Result) {
	b, err := json.Marshal(body)
	if err != nil {
		return apiResp{}, Result{Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return apiResp{}, Result{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return apiResp{}, Result{Unavailable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apiResp{}, Result{Unavailable: true, Err: fmt.Errorf("ledger: server error %d", resp.StatusCode)}
	}
	var into apiResp
	if err := json.NewDecoder(resp.Body).Decode(&into); err != nil {
		return apiResp{}, Result{Unavailable: true, Err: err}
	}
	if resp.StatusCode >= 400 {
		return into, Result{OK: false}
	}
	return into, Result{OK: true}
}
