package models

import (
	"fmt"
	"strings"
	"time"
)

// Device represents a contributor-operated network device in the topology
type Device struct {
	PubKey      string       `json:"pub_key"`
	Code        string       `json:"code"`
	Contributor string       `json:"contributor"`
	LocationID  string       `json:"location_id"`
	Status      DeviceStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DeviceStatus represents the lifecycle status of a device
type DeviceStatus string

const (
	DeviceStatusActivated DeviceStatus = "activated"
	DeviceStatusPending   DeviceStatus = "pending"
	DeviceStatusSuspended DeviceStatus = "suspended"
)

// Location represents a geographic site hosting devices
type Location struct {
	PubKey    string  `json:"pub_key"`
	Code      string  `json:"code"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Exchange represents a public internet exchange endpoint used for
// baseline measurements
type Exchange struct {
	PubKey   string `json:"pub_key"`
	Code     string `json:"code"`
	City     string `json:"city"`
	Provider string `json:"provider"`
}

// Link represents a declared private circuit between two devices
type Link struct {
	PubKey       string     `json:"pub_key"`
	Code         string     `json:"code"`
	Contributor  string     `json:"contributor"`
	SideAPubKey  string     `json:"side_a_pub_key"`
	SideZPubKey  string     `json:"side_z_pub_key"`
	BandwidthBps uint64     `json:"bandwidth_bps"`
	Status       LinkStatus `json:"status"`
}

// LinkStatus represents the lifecycle status of a link
type LinkStatus string

const (
	LinkStatusActivated LinkStatus = "activated"
	LinkStatusPending   LinkStatus = "pending"
	LinkStatusDeleted   LinkStatus = "deleted"
)

// User represents a network participant whose publisher/subscriber
// relations drive the demand matrix
type User struct {
	PubKey      string   `json:"pub_key"`
	DevicePK    string   `json:"device_pk"`
	CityCode    string   `json:"city_code"`
	Publishers  []string `json:"publishers,omitempty"`
	Subscribers []string `json:"subscribers,omitempty"`
}

// RawSample is one immutable telemetry measurement between two endpoints.
// Timestamps and durations are in microseconds.
type RawSample struct {
	OriginPubKey string  `json:"origin_pub_key"`
	TargetPubKey string  `json:"target_pub_key"`
	LinkPubKey   string  `json:"link_pub_key"`
	Epoch        uint64  `json:"epoch"`
	TimestampUs  uint64  `json:"timestamp_us"`
	RTTUs        float64 `json:"rtt_us"`
	JitterUs     float64 `json:"jitter_us"`
	LossFraction float64 `json:"loss_fraction"`
}

// InternetSample is one public-path baseline measurement between two
// exchanges via a named probe provider.
type InternetSample struct {
	OriginExchange string  `json:"origin_exchange"`
	TargetExchange string  `json:"target_exchange"`
	Provider       string  `json:"provider"`
	Epoch          uint64  `json:"epoch"`
	TimestampUs    uint64  `json:"timestamp_us"`
	RTTUs          float64 `json:"rtt_us"`
	LossFraction   float64 `json:"loss_fraction"`
}

// LinkKey is the canonical identity of a measured path. Device links are
// direction-distinct: A->B and B->A aggregate separately because each
// direction is probed independently and may degrade independently.
type LinkKey string

// DeviceLinkKey builds the key for a device-to-device path over a circuit.
func DeviceLinkKey(origin, target, link string) LinkKey {
	return LinkKey(origin + ":" + target + ":" + link)
}

// InternetLinkKey builds the key for a public path between two exchanges
// as seen by one probe provider.
func InternetLinkKey(origin, target, provider string) LinkKey {
	return LinkKey(origin + ":" + target + ":" + provider)
}

// Parts splits a LinkKey into its three components.
func (k LinkKey) Parts() (origin, target, circuit string, err error) {
	parts := strings.Split(string(k), ":")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed link key %q", string(k))
	}
	return parts[0], parts[1], parts[2], nil
}

// AggregatedLinkStats is the per-link statistical summary for one epoch.
// Recomputed every run and replaced wholesale, never mutated in place.
type AggregatedLinkStats struct {
	Key              LinkKey `json:"key"`
	SampleCount      int     `json:"sample_count"`
	UptimePercentage float64 `json:"uptime_percentage"`

	RTTMeanUs   float64            `json:"rtt_mean_us"`
	RTTMinUs    float64            `json:"rtt_min_us"`
	RTTMaxUs    float64            `json:"rtt_max_us"`
	RTTStdDevUs float64            `json:"rtt_std_dev_us"`
	RTTMadUs    float64            `json:"rtt_mad_us"`
	Percentiles map[string]float64 `json:"percentiles"`

	JitterAvgUs        float64 `json:"jitter_avg_us"`
	JitterEwmaUs       float64 `json:"jitter_ewma_us"`
	JitterMaxUs        float64 `json:"jitter_max_us"`
	JitterPeakToPeakUs float64 `json:"jitter_peak_to_peak_us"`

	LossRate       float64 `json:"loss_rate"`
	SuccessCount   int     `json:"success_count"`
	LossCount      int     `json:"loss_count"`
	PenaltyApplied bool    `json:"penalty_applied"`

	// SourceEpoch differs from the processed epoch when the value was
	// substituted from a prior epoch by the lookback policy.
	SourceEpoch uint64 `json:"source_epoch"`
	FromDefault bool   `json:"from_default,omitempty"`
}

// PercentileKey formats a percentile bin (0.95 -> "p95", 0.5 -> "p50").
func PercentileKey(q float64) string {
	return fmt.Sprintf("p%g", q*100)
}

// Percentile returns the named percentile value, or 0 when absent.
func (s *AggregatedLinkStats) Percentile(q float64) float64 {
	if s.Percentiles == nil {
		return 0
	}
	return s.Percentiles[PercentileKey(q)]
}

// PrivateLink is one allocation-engine input row describing a private
// circuit with its measured performance.
type PrivateLink struct {
	Contributor   string  `json:"contributor"`
	OriginDevice  string  `json:"origin_device"`
	TargetDevice  string  `json:"target_device"`
	LinkCode      string  `json:"link_code"`
	BandwidthGbps float64 `json:"bandwidth_gbps"`
	LatencyMs     float64 `json:"latency_ms"`
	Uptime        float64 `json:"uptime"`
	Contiguous    bool    `json:"contiguous"`
	SampleCount   int     `json:"sample_count"`
}

// PublicLink is one internet-baseline row between a normalized city pair.
type PublicLink struct {
	CityA     string  `json:"city_a"`
	CityB     string  `json:"city_b"`
	LatencyMs float64 `json:"latency_ms"`
}

// DemandType enumerates demand classes. Currently only a single default
// class exists.
type DemandType string

const DemandTypeDefault DemandType = "default"

// Demand is one row of the demand matrix.
type Demand struct {
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	Traffic     float64    `json:"traffic"`
	Type        DemandType `json:"type"`
	Multicast   bool       `json:"multicast"`
}

// ShapleyInputs bundles everything the allocation engine consumes.
type ShapleyInputs struct {
	PrivateLinks     []PrivateLink `json:"private_links"`
	PublicLinks      []PublicLink  `json:"public_links"`
	Demands          []Demand      `json:"demands"`
	OperatorUptime   float64       `json:"operator_uptime"`
	ContiguityBonus  float64       `json:"contiguity_bonus"`
	DemandMultiplier float64       `json:"demand_multiplier"`
}

// Allocation is the opaque result returned by the allocation engine.
type Allocation struct {
	Epoch  uint64             `json:"epoch"`
	Shares map[string]float64 `json:"shares"`
}

// ProcessedMetrics holds the derived per-link summaries for one epoch.
type ProcessedMetrics struct {
	Epoch         uint64                           `json:"epoch"`
	LinkStats     map[LinkKey]*AggregatedLinkStats `json:"link_stats"`
	InternetStats map[LinkKey]*AggregatedLinkStats `json:"internet_stats"`
}

// FetchMetadata records the window a DataStore was fetched for.
type FetchMetadata struct {
	Epoch     uint64    `json:"epoch"`
	AfterUs   uint64    `json:"after_us"`
	BeforeUs  uint64    `json:"before_us"`
	FetchedAt time.Time `json:"fetched_at"`
}

// DataStore is the epoch-scoped aggregate of topology, samples, and
// derived results. It is serialized wholesale to the snapshot cache.
type DataStore struct {
	Devices          map[string]*Device   `json:"devices"`
	Locations        map[string]*Location `json:"locations"`
	Exchanges        map[string]*Exchange `json:"exchanges"`
	Links            map[string]*Link     `json:"links"`
	Users            map[string]*User     `json:"users"`
	TelemetrySamples []RawSample          `json:"telemetry_samples"`
	InternetSamples  []InternetSample     `json:"internet_samples"`
	Metadata         FetchMetadata        `json:"metadata"`
}

// NewDataStore returns an empty DataStore with all maps initialized.
func NewDataStore() *DataStore {
	return &DataStore{
		Devices:   make(map[string]*Device),
		Locations: make(map[string]*Location),
		Exchanges: make(map[string]*Exchange),
		Links:     make(map[string]*Link),
		Users:     make(map[string]*User),
	}
}

// ActivatedLinks returns the links currently in the activated state.
func (d *DataStore) ActivatedLinks() []*Link {
	out := make([]*Link, 0, len(d.Links))
	for _, l := range d.Links {
		if l.Status == LinkStatusActivated {
			out = append(out, l)
		}
	}
	return out
}
