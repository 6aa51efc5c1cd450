package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/speedwagon-io/meterreader/internal/collector"
	"github.com/speedwagon-io/meterreader/internal/config"
	"github.com/speedwagon-io/meterreader/internal/lib/logger/sl"
	"github.com/speedwagon-io/meterreader/internal/meter"
	"github.com/speedwagon-io/meterreader/internal/model"
)

// MeterAdapter owns one meter.Reader per configured meter and turns cached
// samples into data points.
type MeterAdapter struct {
	log     *slog.Logger
	readers map[string]*meter.Reader
	order   []string
}

func NewMeterAdapter(log *slog.Logger, site *config.SiteConfig, lookup meter.HostLookup, metrics *meter.Metrics) *MeterAdapter {
	if site.Discovery.Disabled {
		lookup = nil
	}

	a := &MeterAdapter{
		log:     log,
		readers: make(map[string]*meter.Reader, len(site.Meters)),
	}

	for _, m := range site.Meters {
		a.readers[m.ID] = meter.NewReader(log, m.URL, lookup, meter.Options{
			ID:               m.ID,
			TTL:              site.Cache.TTL,
			Limits:           limitsFromConfig(site.Validation),
			HTTPTimeout:      site.HTTP.Timeout,
			UserAgent:        site.HTTP.UserAgent,
			DiscoveryTimeout: site.Discovery.Timeout,
			DiscoverySuffix:  site.Discovery.Suffix,
			Metrics:          metrics,
		})
		a.order = append(a.order, m.ID)
	}

	return a
}

func limitsFromConfig(v config.ValidationConfig) meter.Limits {
	return meter.Limits{
		Phases:          v.Phases,
		MaxPhaseCurrent: v.MaxPhaseCurrent,
		NominalVoltage:  v.NominalVoltage,
		SafetyMargin:    v.SafetyMargin,
		MinElapsed:      v.MinElapsed,
		WaiverAfter:     v.WaiverAfter,
		PowerTolerance:  v.PowerTolerance,
	}
}

func (a *MeterAdapter) Name() string {
	return "meter"
}

// Readers returns the readers in configuration order.
func (a *MeterAdapter) Readers() []*meter.Reader {
	out := make([]*meter.Reader, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.readers[id])
	}
	return out
}

func (a *MeterAdapter) Close() error {
	for _, r := range a.readers {
		if err := r.Close(); err != nil {
			a.log.Error("failed to close meter reader", slog.String("meter_id", r.ID()), sl.Err(err))
		}
	}
	return nil
}

func (a *MeterAdapter) Collect(ctx context.Context, m *config.MeterConfig) (*collector.CollectedData, error) {
	r, ok := a.readers[m.ID]
	if !ok {
		return nil, fmt.Errorf("unknown meter %q", m.ID)
	}

	sample, err := r.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read meter %s: %w", m.ID, err)
	}

	serial, _ := sample.String(meter.FieldSerialNumber)
	stale := r.IsStale()

	return &collector.CollectedData{
		MeterID:      m.ID,
		MeterName:    m.Name,
		SerialNumber: serial,
		Reachable:    r.IsReachable(),
		Stale:        stale,
		DataPoints:   a.transformData(sample, m.Fields, stale),
	}, nil
}

// transformData projects the configured fields, or every scalar field in
// name order when none are configured. Replayed values are marked unknown.
func (a *MeterAdapter) transformData(sample meter.Sample, fields []config.FieldConfig, stale bool) []model.DataPoint {
	if len(fields) == 0 {
		fields = scalarFields(sample)
	}

	good := model.QualityGood
	if stale {
		good = model.QualityUnknown
	}

	dataPoints := make([]model.DataPoint, 0, len(fields))
	for _, field := range fields {
		rawValue, exists := sample[field.Source]
		if !exists || rawValue == nil {
			a.log.Debug("field not found in sample", slog.String("source", field.Source))
			dataPoints = append(dataPoints, model.DataPoint{
				Name:    field.Target,
				Unit:    field.Unit,
				Quality: model.QualityBad,
			})
			continue
		}

		value, ok := a.convertValue(rawValue, field.Type)
		quality := good
		if !ok {
			quality = model.QualityBad
		}

		dataPoints = append(dataPoints, model.DataPoint{
			Name:    field.Target,
			Value:   value,
			Unit:    field.Unit,
			Quality: quality,
		})
	}

	return dataPoints
}

func scalarFields(sample meter.Sample) []config.FieldConfig {
	keys := make([]string, 0, len(sample))
	for k, v := range sample {
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]config.FieldConfig, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, config.FieldConfig{Source: k, Target: k})
	}
	return fields
}

func (a *MeterAdapter) convertValue(rawValue any, fieldType string) (any, bool) {
	switch fieldType {
	case "float":
		return a.toFloat(rawValue)
	case "int":
		return a.toInt(rawValue)
	case "string":
		return fmt.Sprintf("%v", rawValue), true
	default:
		return rawValue, true
	}
}

func (a *MeterAdapter) toFloat(v any) (any, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			a.log.Debug("failed to parse float", slog.String("value", val), sl.Err(err))
			return nil, false
		}
		return f, true
	default:
		return nil, false
	}
}

func (a *MeterAdapter) toInt(v any) (any, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case float64:
		return int64(val), true
	case string:
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			a.log.Debug("failed to parse int", slog.String("value", val), sl.Err(err))
			return nil, false
		}
		return i, true
	default:
		return nil, false
	}
}
