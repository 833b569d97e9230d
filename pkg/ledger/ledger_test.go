package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func jsonDecode(r *http.Request, v any) error { return json.NewDecoder(r.Body).Decode(v) }

func TestIdempotencyKeySchemes(t *testing.T) {
	require.Equal(t, "buyin:t1:3:u1:abc", BuyInKey("t1", 3, "u1", "abc"))
	require.Equal(t, "contrib:t1:h1:a1", ContributionKey("t1", "h1", "a1"))
	require.Equal(t, "settle:t1:h1", SettleKey("t1", "h1"))
	require.Equal(t, "cashout:t1:u1:3:abc", CashOutKey("t1", "u1", 3, "abc"))
}

func TestHTTPClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"reservation_id":"r-1"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	rid, res := c.ReserveForBuyIn(context.Background(), "u1", "t1", 100, "k")
	require.True(t, res.OK)
	require.False(t, res.Unavailable)
	require.Equal(t, "r-1", rid)
}

func TestHTTPClientSemanticRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"insufficient balance"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	res := c.CommitReservation(context.Background(), "r-1", "k")
	require.False(t, res.OK)
	require.False(t, res.Unavailable)
	require.EqualError(t, res.Err, "insufficient balance")
}

func TestHTTPClientServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	res := c.ProcessCashOut(context.Background(), "u1", "t1", 50, "k")
	require.False(t, res.OK)
	require.True(t, res.Unavailable)
}

func TestHTTPClientTransportErrorIsUnavailable(t *testing.T) {
	// Nothing is listening here.
	c := NewHTTPClient("http://127.0.0.1:1", 200*time.Millisecond)
	res := c.RecordContribution(context.Background(), "u1", "t1", "h1", 5, "k")
	require.False(t, res.OK)
	require.True(t, res.Unavailable)
	require.Error(t, res.Err)
}

func TestHTTPClientAmountsTravelAsStrings(t *testing.T) {
	var gotAmount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, jsonDecode(r, &body))
		gotAmount, _ = body["amount"].(string)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	res := c.RecordContribution(context.Background(), "u1", "t1", "h1", 9007199254740993, "k")
	require.True(t, res.OK)
	require.Equal(t, "9007199254740993", gotAmount)
}
