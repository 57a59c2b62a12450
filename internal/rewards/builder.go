// Package rewards builds the allocation-engine input structures from
// aggregated telemetry and a topology snapshot.
package rewards

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/network-contribution-rewards/ncr/internal/config"
	"github.com/network-contribution-rewards/ncr/internal/logging"
	"github.com/network-contribution-rewards/ncr/internal/models"
)

// Builder constructs ShapleyInputs. Build is a pure function of its
// arguments: identical inputs produce identical, identically ordered
// output.
type Builder struct {
	cfg    config.ShapleyConfig
	logger logging.Logger
}

// NewBuilder creates a Builder with the given allocation settings.
func NewBuilder(cfg config.ShapleyConfig, logger logging.Logger) *Builder {
	return &Builder{cfg: cfg, logger: logger}
}

// Build assembles private links, public baselines, and the demand
// matrix into one ShapleyInputs value.
func (b *Builder) Build(ctx context.Context, store *models.DataStore, linkStats, internetStats map[models.LinkKey]*models.AggregatedLinkStats) *models.ShapleyInputs {
	inputs := &models.ShapleyInputs{
		PrivateLinks:     b.BuildPrivateLinks(store, linkStats),
		PublicLinks:      b.BuildPublicLinks(store, internetStats),
		Demands:          b.BuildDemands(store),
		OperatorUptime:   b.cfg.OperatorUptime,
		ContiguityBonus:  b.cfg.ContiguityBonus,
		DemandMultiplier: b.cfg.DemandMultiplier,
	}

	b.logger.Info(ctx, "reward inputs built",
		zap.Int("private_links", len(inputs.PrivateLinks)),
		zap.Int("public_links", len(inputs.PublicLinks)),
		zap.Int("demands", len(inputs.Demands)))

	return inputs
}

// BuildPrivateLinks produces one row per activated circuit, sorted by
// (origin, target, link code).
func (b *Builder) BuildPrivateLinks(store *models.DataStore, stats map[models.LinkKey]*models.AggregatedLinkStats) []models.PrivateLink {
	degrees := deviceDegrees(store)

	links := store.ActivatedLinks()
	out := make([]models.PrivateLink, 0, len(links))
	for _, link := range links {
		bandwidth := float64(link.BandwidthBps) / 1_000_000_000
		if bandwidth == 0 {
			bandwidth = b.cfg.DefaultBandwidthGbps
		}

		// The topology declares circuits undirected; telemetry probes
		// each direction separately, so fold both directions together.
		forward := stats[models.DeviceLinkKey(link.SideAPubKey, link.SideZPubKey, link.PubKey)]
		reverse := stats[models.DeviceLinkKey(link.SideZPubKey, link.SideAPubKey, link.PubKey)]

		latencyMs, uptime, sampleCount := foldDirections(forward, reverse)
		contiguous := degrees[link.SideAPubKey] >= b.cfg.ContiguityMinDegree &&
			degrees[link.SideZPubKey] >= b.cfg.ContiguityMinDegree

		out = append(out, models.PrivateLink{
			Contributor:   link.Contributor,
			OriginDevice:  link.SideAPubKey,
			TargetDevice:  link.SideZPubKey,
			LinkCode:      link.Code,
			BandwidthGbps: bandwidth,
			LatencyMs:     latencyMs,
			Uptime:        uptime,
			Contiguous:    contiguous,
			SampleCount:   sampleCount,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, c := out[i], out[j]
		if a.OriginDevice != c.OriginDevice {
			return a.OriginDevice < c.OriginDevice
		}
		if a.TargetDevice != c.TargetDevice {
			return a.TargetDevice < c.TargetDevice
		}
		return a.LinkCode < c.LinkCode
	})
	return out
}

// foldDirections merges both probe directions of one circuit. Latency is
// the p95 in milliseconds.
func foldDirections(forward, reverse *models.AggregatedLinkStats) (latencyMs, uptime float64, sampleCount int) {
	switch {
	case forward != nil && reverse != nil:
		latencyMs = (forward.Percentile(0.95) + reverse.Percentile(0.95)) / 2 / 1000
		uptime = (forward.UptimePercentage + reverse.UptimePercentage) / 2
		sampleCount = forward.SampleCount + reverse.SampleCount
	case forward != nil:
		latencyMs = forward.Percentile(0.95) / 1000
		uptime = forward.UptimePercentage
		sampleCount = forward.SampleCount
	case reverse != nil:
		latencyMs = reverse.Percentile(0.95) / 1000
		uptime = reverse.UptimePercentage
		sampleCount = reverse.SampleCount
	}
	return latencyMs, uptime, sampleCount
}

// BuildPublicLinks reduces internet baselines to one row per city pair,
// normalized alphabetically and sorted.
func (b *Builder) BuildPublicLinks(store *models.DataStore, stats map[models.LinkKey]*models.AggregatedLinkStats) []models.PublicLink {
	type acc struct {
		sum   float64
		count int
	}
	pairs := make(map[[2]string]*acc)

	// Iterate stats in key order so floating point accumulation is
	// identical across runs.
	keys := make([]models.LinkKey, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, key := range keys {
		s := stats[key]
		origin, target, _, err := key.Parts()
		if err != nil {
			continue
		}
		cityA, okA := exchangeCity(store, origin)
		cityB, okB := exchangeCity(store, target)
		if !okA || !okB || cityA == cityB {
			continue
		}
		if cityA > cityB {
			cityA, cityB = cityB, cityA
		}
		p := pairs[[2]string{cityA, cityB}]
		if p == nil {
			p = &acc{}
			pairs[[2]string{cityA, cityB}] = p
		}
		p.sum += s.RTTMeanUs
		p.count++
	}

	out := make([]models.PublicLink, 0, len(pairs))
	for pair, p := range pairs {
		out = append(out, models.PublicLink{
			CityA:     pair[0],
			CityB:     pair[1],
			LatencyMs: p.sum / float64(p.count) / 1000,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CityA != out[j].CityA {
			return out[i].CityA < out[j].CityA
		}
		return out[i].CityB < out[j].CityB
	})
	return out
}

// BuildDemands derives the demand matrix from user publisher and
// subscriber relations, sorted by (source, destination).
func (b *Builder) BuildDemands(store *models.DataStore) []models.Demand {
	weights := make(map[[2]string]float64)

	// Iterate users in key order so floating point accumulation is
	// identical across runs.
	userKeys := make([]string, 0, len(store.Users))
	for k := range store.Users {
		userKeys = append(userKeys, k)
	}
	sort.Strings(userKeys)

	addRelation := func(srcCity, dstCity string) {
		if srcCity == "" || dstCity == "" || srcCity == dstCity {
			return
		}
		weights[[2]string{srcCity, dstCity}] += b.cfg.RelationWeight
	}

	for _, uk := range userKeys {
		user := store.Users[uk]
		for _, pub := range user.Publishers {
			if other, ok := store.Users[pub]; ok {
				addRelation(other.CityCode, user.CityCode)
			}
		}
		for _, sub := range user.Subscribers {
			if other, ok := store.Users[sub]; ok {
				addRelation(user.CityCode, other.CityCode)
			}
		}
	}

	out := make([]models.Demand, 0, len(weights))
	for pair, weight := range weights {
		traffic := b.cfg.DefaultTraffic + weight
		if traffic < b.cfg.MinTraffic {
			traffic = b.cfg.MinTraffic
		}
		out = append(out, models.Demand{
			Source:      pair[0],
			Destination: pair[1],
			Traffic:     traffic * b.cfg.DemandMultiplier,
			Type:        models.DemandTypeDefault,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Destination < out[j].Destination
	})
	return out
}

// deviceDegrees counts activated circuits per device.
func deviceDegrees(store *models.DataStore) map[string]int {
	degrees := make(map[string]int)
	for _, link := range store.ActivatedLinks() {
		degrees[link.SideAPubKey]++
		degrees[link.SideZPubKey]++
	}
	return degrees
}

// exchangeCity resolves an exchange pubkey or code to its city.
func exchangeCity(store *models.DataStore, id string) (string, bool) {
	if ex, ok := store.Exchanges[id]; ok {
		return ex.City, true
	}
	for _, ex := range store.Exchanges {
		if ex.Code == id {
			return ex.City, true
		}
	}
	return "", false
}
