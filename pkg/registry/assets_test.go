package registry

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-j/quasar-sub001/pkg/interservice"
	"github.com/ddm-j/quasar-sub001/pkg/market"
	"github.com/ddm-j/quasar-sub001/pkg/prefs"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

func TestUpdateAssets_UpsertsListing(t *testing.T) {
	rig := newTestRig(t)
	seedRegistration(t, rig, "alpaca", prefs.SubtypeHistorical, nil)
	rig.collector.symbols = []market.SymbolInfo{
		{Symbol: "AAPL", Name: "Apple Inc", Exchange: "NASDAQ"},
		{Symbol: "MSFT", Name: "Microsoft", Exchange: "NASDAQ"},
	}

	var result assetUpdateResult
	resp := rig.do(t, http.MethodPost, "/internal/provider/alpaca/update-assets", nil, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, result.Stats)
	assert.Equal(t, 2, result.Stats.Added)
	require.Len(t, rig.store.upserts, 1)
	assert.Equal(t, "alpaca", rig.store.upserts[0].className)
	assert.Equal(t, "provider", rig.store.upserts[0].classType)
}

func TestUpdateAssets_ForwardsCollectorStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{
			name:   "unknown provider",
			err:    &interservice.UpstreamError{Status: http.StatusNotFound, Title: "Not Found", Detail: "no provider registration"},
			status: http.StatusNotFound,
		},
		{
			name:   "listing unsupported",
			err:    &interservice.UpstreamError{Status: http.StatusNotImplemented, Title: "Not Implemented", Detail: "provider does not list symbols"},
			status: http.StatusNotImplemented,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t)
			rig.collector.symbolsErr = tc.err

			resp := rig.do(t, http.MethodPost, "/internal/provider/alpaca/update-assets", nil, nil)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Empty(t, rig.store.upserts)
		})
	}
}

func TestUpdateAssets_UnknownClassTypeRejected(t *testing.T) {
	rig := newTestRig(t)

	resp := rig.do(t, http.MethodPost, "/internal/widget/alpaca/update-assets", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateAllAssets_SweepsProvidersOnly(t *testing.T) {
	rig := newTestRig(t)
	seedRegistration(t, rig, "alpaca", prefs.SubtypeHistorical, nil)
	seedRegistration(t, rig, "krakenws", prefs.SubtypeLive, nil)
	rig.store.put(&store.Registration{ClassName: "ibkr", ClassType: store.ClassTypeBroker})

	rig.collector.symbolsByClass = map[string][]market.SymbolInfo{
		"alpaca": {{Symbol: "AAPL"}, {Symbol: "MSFT"}, {Symbol: "TSLA"}},
	}
	rig.collector.symbolsErrByClass = map[string]error{
		"krakenws": &interservice.UpstreamError{Status: http.StatusNotImplemented, Title: "Not Implemented", Detail: "no listing"},
	}

	var results []assetUpdateResult
	resp := rig.do(t, http.MethodPost, "/internal/update-all-assets", nil, &results)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, results, 2, "brokers are not swept")
	byClass := map[string]assetUpdateResult{}
	for _, r := range results {
		byClass[r.ClassName] = r
	}

	require.NotNil(t, byClass["alpaca"].Stats)
	assert.Equal(t, 3, byClass["alpaca"].Stats.Added)
	assert.Empty(t, byClass["alpaca"].Error)

	assert.Nil(t, byClass["krakenws"].Stats)
	assert.Contains(t, byClass["krakenws"].Error, "501", "per-provider failures are reported, not fatal")
}

func TestClassSummary_ListsRegistrations(t *testing.T) {
	rig := newTestRig(t)
	seedRegistration(t, rig, "alpaca", prefs.SubtypeHistorical, nil)
	seedRegistration(t, rig, "krakenws", prefs.SubtypeLive, nil)

	var summaries []store.ClassSummary
	resp := rig.do(t, http.MethodGet, "/internal/classes/summary", nil, &summaries)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, summaries, 2)
	assert.Equal(t, "alpaca", summaries[0].ClassName)
	assert.Equal(t, "Historical", summaries[0].ClassSubtype)
}

func TestClassSummary_EmptyIsList(t *testing.T) {
	rig := newTestRig(t)

	var summaries []store.ClassSummary
	resp := rig.do(t, http.MethodGet, "/internal/classes/summary", nil, &summaries)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, summaries)
	assert.Empty(t, summaries)
}

func TestAssetMappings_CRUD(t *testing.T) {
	rig := newTestRig(t)
	mapping := store.AssetMapping{
		CommonSymbol: "AAPL",
		ClassName:    "alpaca",
		ClassType:    "provider",
		ClassSymbol:  "AAPL.US",
		IsActive:     true,
	}
	itemPath := "/internal/asset-mappings/AAPL/alpaca/provider/AAPL.US"

	resp := rig.do(t, http.MethodPost, "/internal/asset-mappings", mapping, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = rig.do(t, http.MethodPost, "/internal/asset-mappings", mapping, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "duplicate composite key")

	var list []store.AssetMapping
	resp = rig.do(t, http.MethodGet, "/internal/asset-mappings", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Equal(t, mapping, list[0])

	var got store.AssetMapping
	resp = rig.do(t, http.MethodGet, itemPath, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, got.IsActive)

	resp = rig.do(t, http.MethodPut, itemPath, map[string]bool{"is_active": false}, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, got.IsActive)

	resp = rig.do(t, http.MethodGet, itemPath, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, got.IsActive, "the deactivation must persist")

	resp = rig.do(t, http.MethodDelete, itemPath, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = rig.do(t, http.MethodGet, itemPath, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = rig.do(t, http.MethodDelete, itemPath, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAssetMappings_CreateRequiresFullKey(t *testing.T) {
	rig := newTestRig(t)

	resp := rig.do(t, http.MethodPost, "/internal/asset-mappings",
		store.AssetMapping{CommonSymbol: "AAPL", ClassName: "alpaca", ClassType: "provider"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAssetMappings_EscapedSymbolSegments(t *testing.T) {
	rig := newTestRig(t)
	mapping := store.AssetMapping{
		CommonSymbol: "BTC/USD",
		ClassName:    "krakenws",
		ClassType:    "provider",
		ClassSymbol:  "XBT/USD",
		IsActive:     true,
	}

	resp := rig.do(t, http.MethodPost, "/internal/asset-mappings", mapping, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	itemPath := "/internal/asset-mappings/" + url.PathEscape("BTC/USD") +
		"/krakenws/provider/" + url.PathEscape("XBT/USD")

	var got store.AssetMapping
	resp = rig.do(t, http.MethodGet, itemPath, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "BTC/USD", got.CommonSymbol)
	assert.Equal(t, "XBT/USD", got.ClassSymbol)
}
