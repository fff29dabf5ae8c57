package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

func seiDeployment() model.DeploymentContext {
	return model.NewDeploymentContext(model.ChainSei, model.ExchangeCarbon, "", nil, 1, 10_000)
}

func TestEvents_ParsesTradeEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/trade-events", r.URL.Path)
		assert.Equal(t, "sei", r.URL.Query().Get("chain"))
		assert.Equal(t, "100", r.URL.Query().Get("fromBlock"))
		assert.Equal(t, "200", r.URL.Query().Get("toBlock"))

		fmt.Fprint(w, `{"events": [{
			"sourceAddress": "0xAAA", "sourceDecimals": 18,
			"targetAddress": "0xBBB", "targetDecimals": 6,
			"sourceAmount": "1000", "targetAmount": "2000",
			"blockNumber": 150, "timestamp": 1700000000, "txHash": "0xdead"
		}]}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, slog.Default())
	events, err := c.Events(context.Background(), 100, 200, seiDeployment())
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, "0xAAA", events[0].SourceToken.Address)
	assert.Equal(t, int32(6), events[0].TargetToken.Decimals)
	assert.Equal(t, int64(150), events[0].BlockNumber)
	assert.Equal(t, int64(1_700_000_000), events[0].Timestamp.Unix())
}

func TestHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/head", r.URL.Path)
		fmt.Fprint(w, `{"block": 123456}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, slog.Default())
	head, err := c.Head(context.Background(), seiDeployment())
	require.NoError(t, err)
	assert.Equal(t, int64(123_456), head)
}

func TestEvents_ErrorStatusSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(server.URL, slog.Default())
	_, err := c.Events(context.Background(), 1, 2, seiDeployment())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http status 503")
}
