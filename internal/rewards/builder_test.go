package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/network-contribution-rewards/ncr/internal/config"
	"github.com/network-contribution-rewards/ncr/internal/logging"
	"github.com/network-contribution-rewards/ncr/internal/models"
)

func testShapleyConfig() config.ShapleyConfig {
	return config.ShapleyConfig{
		OperatorUptime:       0.98,
		ContiguityBonus:      5.0,
		ContiguityMinDegree:  2,
		DemandMultiplier:     1.2,
		DefaultBandwidthGbps: 10.0,
		DefaultTraffic:       0.05,
		MinTraffic:           0.1,
		RelationWeight:       0.5,
	}
}

func testStore() *models.DataStore {
	store := models.NewDataStore()
	store.Metadata = models.FetchMetadata{Epoch: 42, AfterUs: 0, BeforeUs: 100_000_000}

	// d2 sits on two circuits, d1 and d3 on one each.
	store.Links["l1"] = &models.Link{
		PubKey: "l1", Code: "ams-fra-1", Contributor: "op-a",
		SideAPubKey: "d1", SideZPubKey: "d2",
		BandwidthBps: 25_000_000_000, Status: models.LinkStatusActivated,
	}
	store.Links["l2"] = &models.Link{
		PubKey: "l2", Code: "fra-lon-1", Contributor: "op-b",
		SideAPubKey: "d2", SideZPubKey: "d3",
		Status: models.LinkStatusActivated,
	}
	store.Links["l3"] = &models.Link{
		PubKey: "l3", Code: "dead-1", Contributor: "op-c",
		SideAPubKey: "d4", SideZPubKey: "d5",
		Status: models.LinkStatusPending,
	}

	store.Exchanges["x1"] = &models.Exchange{PubKey: "x1", Code: "xnyc", City: "new-york"}
	store.Exchanges["x2"] = &models.Exchange{PubKey: "x2", Code: "xlon", City: "london"}

	store.Users["u1"] = &models.User{PubKey: "u1", CityCode: "new-york", Subscribers: []string{"u2"}}
	store.Users["u2"] = &models.User{PubKey: "u2", CityCode: "london", Publishers: []string{"u1"}}

	return store
}

func linkStatsFixture() map[models.LinkKey]*models.AggregatedLinkStats {
	return map[models.LinkKey]*models.AggregatedLinkStats{
		models.DeviceLinkKey("d1", "d2", "l1"): {
			SampleCount: 30, UptimePercentage: 1.0,
			Percentiles: map[string]float64{"p95": 12_000},
		},
		models.DeviceLinkKey("d2", "d1", "l1"): {
			SampleCount: 28, UptimePercentage: 0.9,
			Percentiles: map[string]float64{"p95": 14_000},
		},
		models.DeviceLinkKey("d2", "d3", "l2"): {
			SampleCount: 25, UptimePercentage: 0.8,
			Percentiles: map[string]float64{"p95": 20_000},
		},
	}
}

func internetStatsFixture() map[models.LinkKey]*models.AggregatedLinkStats {
	return map[models.LinkKey]*models.AggregatedLinkStats{
		models.InternetLinkKey("x1", "x2", "probe-a"): {RTTMeanUs: 70_000},
		models.InternetLinkKey("x2", "x1", "probe-a"): {RTTMeanUs: 74_000},
	}
}

func TestBuildPrivateLinks(t *testing.T) {
	b := NewBuilder(testShapleyConfig(), logging.NewNop())
	links := b.BuildPrivateLinks(testStore(), linkStatsFixture())

	// Pending l3 is excluded.
	require.Len(t, links, 2)

	l1 := links[0]
	assert.Equal(t, "d1", l1.OriginDevice)
	assert.Equal(t, "d2", l1.TargetDevice)
	assert.Equal(t, "ams-fra-1", l1.LinkCode)
	assert.Equal(t, 25.0, l1.BandwidthGbps)
	// Mean of both directions' p95, in milliseconds.
	assert.InDelta(t, 13.0, l1.LatencyMs, 1e-9)
	assert.InDelta(t, 0.95, l1.Uptime, 1e-9)
	assert.Equal(t, 58, l1.SampleCount)
	// d1 has degree 1, below the contiguity floor of 2.
	assert.False(t, l1.Contiguous)

	l2 := links[1]
	assert.Equal(t, "fra-lon-1", l2.LinkCode)
	// Topology declares no bandwidth, so the default applies.
	assert.Equal(t, 10.0, l2.BandwidthGbps)
	assert.InDelta(t, 20.0, l2.LatencyMs, 1e-9)
	assert.Equal(t, 25, l2.SampleCount)
}

func TestBuildPrivateLinksContiguity(t *testing.T) {
	store := testStore()
	// Close the triangle so every device has degree 2.
	store.Links["l4"] = &models.Link{
		PubKey: "l4", Code: "ams-lon-1", Contributor: "op-a",
		SideAPubKey: "d3", SideZPubKey: "d1",
		Status: models.LinkStatusActivated,
	}

	b := NewBuilder(testShapleyConfig(), logging.NewNop())
	links := b.BuildPrivateLinks(store, linkStatsFixture())

	require.Len(t, links, 3)
	for _, l := range links {
		assert.True(t, l.Contiguous, "link %s", l.LinkCode)
	}
}

func TestBuildPublicLinks(t *testing.T) {
	b := NewBuilder(testShapleyConfig(), logging.NewNop())
	links := b.BuildPublicLinks(testStore(), internetStatsFixture())

	require.Len(t, links, 1)
	// City pair is normalized alphabetically, latency is the mean of
	// both directions in milliseconds.
	assert.Equal(t, "london", links[0].CityA)
	assert.Equal(t, "new-york", links[0].CityB)
	assert.InDelta(t, 72.0, links[0].LatencyMs, 1e-9)
}

func TestBuildDemands(t *testing.T) {
	b := NewBuilder(testShapleyConfig(), logging.NewNop())
	demands := b.BuildDemands(testStore())

	// u1 publishes to u2 and u2 lists u1 as publisher: both describe
	// new-york -> london traffic.
	require.Len(t, demands, 1)
	d := demands[0]
	assert.Equal(t, "new-york", d.Source)
	assert.Equal(t, "london", d.Destination)
	assert.Equal(t, models.DemandTypeDefault, d.Type)
	// (0.05 default + 2 * 0.5 relation weight) * 1.2 multiplier.
	assert.InDelta(t, 1.26, d.Traffic, 1e-9)
}

func TestBuildDemandsMinimumTraffic(t *testing.T) {
	cfg := testShapleyConfig()
	cfg.RelationWeight = 0.01
	b := NewBuilder(cfg, logging.NewNop())

	demands := b.BuildDemands(testStore())
	require.Len(t, demands, 1)
	// 0.05 + 0.02 is below the 0.1 floor.
	assert.InDelta(t, 0.1*1.2, demands[0].Traffic, 1e-9)
}

func TestBuildDeterministic(t *testing.T) {
	b := NewBuilder(testShapleyConfig(), logging.NewNop())
	ctx := context.Background()

	// Several monitors report fractional means for the same city pair.
	// Summing these in different orders yields different float64 results,
	// so a map-order iteration would leak into the serialized output.
	internetStats := map[models.LinkKey]*models.AggregatedLinkStats{
		models.InternetLinkKey("x1", "x2", "mon-a"): {RTTMeanUs: 0.1},
		models.InternetLinkKey("x1", "x2", "mon-b"): {RTTMeanUs: 0.2},
		models.InternetLinkKey("x1", "x2", "mon-c"): {RTTMeanUs: 0.3},
		models.InternetLinkKey("x2", "x1", "mon-a"): {RTTMeanUs: 0.7},
	}

	first := b.Build(ctx, testStore(), linkStatsFixture(), internetStats)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		next := b.Build(ctx, testStore(), linkStatsFixture(), internetStats)
		nextJSON, err := json.Marshal(next)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(firstJSON, nextJSON), "run %d diverged", i)
	}
}
