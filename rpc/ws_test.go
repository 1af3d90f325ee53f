package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"nftmarket/native/market"
	"nftmarket/storage/eventlog"
)

func dialEvents(t *testing.T, ctx context.Context, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEntry(t *testing.T, ctx context.Context, conn *websocket.Conn) eventlog.Entry {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var entry eventlog.Entry
	require.NoError(t, json.Unmarshal(data, &entry))
	return entry
}

func TestEventStreamReplaysThenFollows(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.engine.SetListingFee(operatorAddr, big.NewInt(10)))
	_, err := h.engine.CreateListing(ctx, sellerAddr, contractAddr, uint256.NewInt(7), big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)

	srv := httptest.NewServer(h.handler)
	defer srv.Close()
	conn := dialEvents(t, ctx, srv, "?type=market.")

	// The backlog spans several pages of two entries; only market events
	// pass the filter.
	first := readEntry(t, ctx, conn)
	require.Equal(t, market.EventTypeListingFeeUpdated, first.Type)
	second := readEntry(t, ctx, conn)
	require.Equal(t, market.EventTypeListingCreated, second.Type)
	require.Equal(t, "1", second.Attributes["listingId"])
	require.Greater(t, second.Seq, first.Seq)

	_, err = h.engine.Purchase(ctx, buyerAddr, 1, big.NewInt(100))
	require.NoError(t, err)
	live := readEntry(t, ctx, conn)
	require.Equal(t, market.EventTypeListingPurchased, live.Type)
	require.Greater(t, live.Seq, second.Seq)
	require.NoError(t, h.journal.Verify())
}

func TestEventStreamResumesFromCursor(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for fee := int64(1); fee <= 3; fee++ {
		require.NoError(t, h.engine.SetListingFee(operatorAddr, big.NewInt(fee)))
	}
	head, _, err := h.journal.Head()
	require.NoError(t, err)
	require.Equal(t, uint64(3), head)

	srv := httptest.NewServer(h.handler)
	defer srv.Close()
	conn := dialEvents(t, ctx, srv, fmt.Sprintf("?cursor=%d", head-1))

	replayed := readEntry(t, ctx, conn)
	require.Equal(t, head, replayed.Seq)

	require.NoError(t, h.engine.SetListingFee(operatorAddr, big.NewInt(4)))
	live := readEntry(t, ctx, conn)
	require.Equal(t, head+1, live.Seq)
	require.Equal(t, market.EventTypeListingFeeUpdated, live.Type)
}

func TestEventStreamRejectsBadCursor(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events?cursor=abc", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 400, resp.StatusCode)
}

func TestEventStreamEnforcesAllowedOrigins(t *testing.T) {
	h := newHarness(t, func(cfg *ServerConfig) {
		cfg.CORS.AllowedOrigins = []string{"https://app.example"}
	})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"

	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://app.example"}},
	})
	require.NoError(t, err)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestOriginPatterns(t *testing.T) {
	require.Equal(t, []string{"*"}, originPatterns(nil))
	require.Equal(t, []string{"*"}, originPatterns([]string{"https://a.example", "*"}))
	require.Equal(t, []string{"app.example", "admin.example:8443", "*.example"},
		originPatterns([]string{" https://App.example ", "https://admin.example:8443", "", "*.example"}))
}
