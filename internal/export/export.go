// Package export renders aggregated stats and allocation inputs for
// operators. Purely presentational; nothing here affects pipeline
// correctness.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/network-contribution-rewards/ncr/internal/models"
)

// Format selects an output rendering.
type Format string

const (
	FormatCSV        Format = "csv"
	FormatJSON       Format = "json"
	FormatJSONPretty Format = "json-pretty"
)

// ParseFormat validates a format name from the command line.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON, FormatJSONPretty:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown export format %q (want csv, json, or json-pretty)", s)
	}
}

// Exporter renders pipeline outputs in one format.
type Exporter struct {
	format Format
}

// New creates an Exporter.
func New(format Format) *Exporter {
	return &Exporter{format: format}
}

// WriteLinkStats renders a stats table sorted by link key.
func (e *Exporter) WriteLinkStats(w io.Writer, stats map[models.LinkKey]*models.AggregatedLinkStats) error {
	keys := make([]models.LinkKey, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	if e.format == FormatCSV {
		cw := csv.NewWriter(w)
		header := []string{
			"link", "sample_count", "uptime", "loss_rate",
			"rtt_mean_us", "rtt_p50_us", "rtt_p95_us", "rtt_p99_us",
			"jitter_avg_us", "penalty_applied", "from_default", "source_epoch",
		}
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, k := range keys {
			s := stats[k]
			record := []string{
				string(k),
				strconv.Itoa(s.SampleCount),
				formatFloat(s.UptimePercentage),
				formatFloat(s.LossRate),
				formatFloat(s.RTTMeanUs),
				formatFloat(s.Percentile(0.50)),
				formatFloat(s.Percentile(0.95)),
				formatFloat(s.Percentile(0.99)),
				formatFloat(s.JitterAvgUs),
				strconv.FormatBool(s.PenaltyApplied),
				strconv.FormatBool(s.FromDefault),
				strconv.FormatUint(s.SourceEpoch, 10),
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}

	ordered := make([]*models.AggregatedLinkStats, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, stats[k])
	}
	return e.writeJSON(w, ordered)
}

// WriteShapleyInputs renders the allocation-engine input tables.
func (e *Exporter) WriteShapleyInputs(w io.Writer, inputs *models.ShapleyInputs) error {
	if e.format != FormatCSV {
		return e.writeJSON(w, inputs)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"table", "contributor", "origin", "target", "code",
		"bandwidth_gbps", "latency_ms", "uptime", "contiguous", "traffic",
	}); err != nil {
		return err
	}
	for _, l := range inputs.PrivateLinks {
		record := []string{
			"private_link", l.Contributor, l.OriginDevice, l.TargetDevice, l.LinkCode,
			formatFloat(l.BandwidthGbps), formatFloat(l.LatencyMs),
			formatFloat(l.Uptime), strconv.FormatBool(l.Contiguous), "",
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	for _, l := range inputs.PublicLinks {
		record := []string{
			"public_link", "", l.CityA, l.CityB, "",
			"", formatFloat(l.LatencyMs), "", "", "",
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	for _, d := range inputs.Demands {
		record := []string{
			"demand", "", d.Source, d.Destination, string(d.Type),
			"", "", "", "", formatFloat(d.Traffic),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (e *Exporter) writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if e.format == FormatJSONPretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
