package meter

import (
	"context"
	"sync"
	"time"

	"github.com/speedwagon-io/meterreader/internal/lib/logger/sl"
)

type fetchResult struct {
	sample Sample
	err    error
}

// fakeFetcher hands out results in order and repeats the last one.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	targets []string
	results []fetchResult
	gate    chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, baseURL string) (Sample, error) {
	f.mu.Lock()
	f.calls++
	f.targets = append(f.targets, baseURL)
	idx := f.calls - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	res := f.results[idx]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return res.sample, res.err
}

func (f *fakeFetcher) push(sample Sample, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, fetchResult{sample: sample, err: err})
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestReader(f *fakeFetcher, clock *fakeClock, metrics *Metrics) *Reader {
	r := NewReader(sl.NewDiscardLogger(), "http://meter.test", nil, Options{ID: "test", Metrics: metrics})
	r.fetcher = f
	r.now = clock.Now
	return r
}

// balancedSample is a plausible reading: 600 W import spread over three
// phases.
func balancedSample(energy int64) Sample {
	return Sample{
		FieldSerialNumber:      "5706567123456789",
		FieldForwardEnergy:     energy,
		FieldReverseEnergy:     int64(42),
		FieldForwardPower:      600.0,
		FieldReversePower:      0.0,
		FieldL1ForwardPower:    250.0,
		FieldL2ForwardPower:    200.0,
		FieldL3ForwardPower:    150.0,
		FieldL1ReversePower:    0.0,
		FieldL2ReversePower:    0.0,
		FieldL3ReversePower:    0.0,
		FieldL1Current:         1.1,
		FieldL1Voltage:         231.4,
		FieldFrequency:         int64(50012),
		FieldMeterManufacturer: "Echelon",
		FieldMeterModel:        "83331-3IAAD",
		FieldMeterSWVersion:    "4.2",
		FieldBridgeVendor:      "dabbler",
		FieldBridgeModel:       "MEP bridge",
		FieldBridgeSWVersion:   "1.7.0",
	}
}
