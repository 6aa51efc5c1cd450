package collector

import (
	"context"

	"github.com/speedwagon-io/meterreader/internal/config"
	"github.com/speedwagon-io/meterreader/internal/model"
)

type CollectedData struct {
	MeterID      string
	MeterName    string
	SerialNumber string
	Reachable    bool
	Stale        bool
	DataPoints   []model.DataPoint
}

type Collector interface {
	Collect(ctx context.Context, m *config.MeterConfig) (*CollectedData, error)
	Name() string
	Close() error
}
