package meter

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/speedwagon-io/meterreader/internal/lib/logger/sl"
)

const DefaultTTL = 2 * time.Second

const refreshKey = "refresh"

type Options struct {
	// ID labels logs and metrics. Defaults to the base URL.
	ID string

	TTL              time.Duration
	Limits           Limits
	HTTPTimeout      time.Duration
	UserAgent        string
	DiscoveryTimeout time.Duration
	DiscoverySuffix  string
	Metrics          *Metrics
}

// cacheState is replaced wholesale on every refresh so readers outside the
// flight always see a consistent snapshot.
type cacheState struct {
	sample   Sample
	expires  time.Time
	lastGood time.Time
}

// Status is a point-in-time view of a Reader that never touches the network.
type Status struct {
	ID           string    `json:"id"`
	Reachable    bool      `json:"reachable"`
	Stale        bool      `json:"stale"`
	HasSample    bool      `json:"has_sample"`
	LastAccepted time.Time `json:"last_accepted,omitempty"`
	SerialNumber string    `json:"serial_number,omitempty"`
}

// Reader serves the last accepted sample of one meter. Reads inside the TTL
// are lock-free; an expired cache is refreshed by exactly one in-flight
// request whose outcome every concurrent caller shares.
type Reader struct {
	log       *slog.Logger
	id        string
	baseURL   string
	resolver  *AddressResolver
	fetcher   Fetcher
	validator *Validator
	ttl       time.Duration
	metrics   *Metrics
	now       func() time.Time

	group     singleflight.Group
	state     atomic.Pointer[cacheState]
	reachable atomic.Bool
	stale     atomic.Bool
}

func NewReader(log *slog.Logger, baseURL string, lookup HostLookup, opts Options) *Reader {
	if opts.ID == "" {
		opts.ID = baseURL
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 10 * time.Second
	}

	log = log.With(slog.String("meter", opts.ID))

	return &Reader{
		log:       log,
		id:        opts.ID,
		baseURL:   baseURL,
		resolver:  NewAddressResolver(log, lookup, opts.DiscoveryTimeout, opts.DiscoverySuffix),
		fetcher:   NewHTTPFetcher(opts.HTTPTimeout, opts.UserAgent),
		validator: NewValidator(opts.Limits),
		ttl:       opts.TTL,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

func (r *Reader) ID() string {
	return r.id
}

// Read returns the accepted sample, refreshing it first when the TTL has
// run out. It only fails when no sample was ever accepted and the refresh
// could not fetch one. A caller whose ctx ends stops waiting; the refresh
// itself runs to completion for the others.
func (r *Reader) Read(ctx context.Context) (Sample, error) {
	if s := r.fresh(r.now()); s != nil {
		return s, nil
	}

	ch := r.group.DoChan(refreshKey, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Sample), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Field reads the sample and walks it along path. A missing value is
// ok=false, not an error.
func (r *Reader) Field(ctx context.Context, path ...any) (any, bool, error) {
	sample, err := r.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	v, ok := sample.Lookup(path...)
	return v, ok, nil
}

// SerialNumber answers from the cached sample when it has one, whatever its
// age, and only otherwise goes through Field.
func (r *Reader) SerialNumber(ctx context.Context) (string, bool, error) {
	if s := r.state.Load(); s != nil && s.sample != nil {
		if sn, ok := s.sample.String(FieldSerialNumber); ok {
			return sn, true, nil
		}
	}

	v, ok, err := r.Field(ctx, FieldSerialNumber)
	if err != nil || !ok {
		return "", false, err
	}
	sn, ok := Sample{FieldSerialNumber: v}.String(FieldSerialNumber)
	return sn, ok, nil
}

// DeviceInfo returns the identity of the meter and of its HTTP bridge.
func (r *Reader) DeviceInfo(ctx context.Context) (meterInfo, bridgeInfo DeviceInfo, err error) {
	sample, err := r.Read(ctx)
	if err != nil {
		return DeviceInfo{}, DeviceInfo{}, err
	}
	return sample.MeterInfo(), sample.BridgeInfo(), nil
}

func (r *Reader) IsReachable() bool {
	return r.reachable.Load()
}

func (r *Reader) IsStale() bool {
	return r.stale.Load()
}

func (r *Reader) Status() Status {
	st := Status{
		ID:        r.id,
		Reachable: r.reachable.Load(),
		Stale:     r.stale.Load(),
	}
	if s := r.state.Load(); s != nil && s.sample != nil {
		st.HasSample = true
		st.LastAccepted = s.lastGood
		st.SerialNumber, _ = s.sample.String(FieldSerialNumber)
	}
	return st
}

func (r *Reader) Close() error {
	if c, ok := r.fetcher.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

func (r *Reader) fresh(now time.Time) Sample {
	s := r.state.Load()
	if s == nil || s.sample == nil || !now.Before(s.expires) {
		return nil
	}
	return s.sample
}

func (r *Reader) refresh(ctx context.Context) (Sample, error) {
	// A caller may have seen the cache expired just before the previous
	// flight finished.
	if s := r.fresh(r.now()); s != nil {
		return s, nil
	}

	start := time.Now()
	prev := r.state.Load()

	var (
		prevSample Sample
		lastGood   time.Time
	)
	if prev != nil {
		prevSample = prev.sample
		lastGood = prev.lastGood
	}

	target := r.resolver.Resolve(ctx, r.baseURL)
	sample, err := r.fetcher.Fetch(ctx, target)
	now := r.now()

	if err != nil {
		result := resultFailed
		var empty *EmptyResponseError
		if errors.As(err, &empty) {
			result = resultEmpty
		}

		r.reachable.Store(false)
		if prevSample != nil {
			// zero expiry: the next call retries instead of aging this value
			r.state.Store(&cacheState{sample: prevSample, lastGood: lastGood})
		}
		r.metrics.observeRefresh(r.id, result, time.Since(start).Seconds())
		r.metrics.setFlags(r.id, false, r.stale.Load())

		if prevSample == nil {
			r.log.Warn("requesting meter values failed", sl.Err(err))
			return nil, err
		}
		r.log.Warn("requesting meter values failed, serving previous values", sl.Err(err))
		return prevSample, nil
	}

	r.reachable.Store(true)

	if verr := r.validator.Validate(sample, prevSample, now.Sub(lastGood)); verr != nil {
		r.stale.Store(true)
		r.state.Store(&cacheState{sample: prevSample, expires: now.Add(r.ttl), lastGood: lastGood})
		r.metrics.observeRefresh(r.id, resultRejected, time.Since(start).Seconds())
		r.metrics.observeRejection(r.id, verr)
		r.metrics.setFlags(r.id, true, true)

		r.log.Warn("sample rejected, sticking to previous values",
			slog.String("reason", verr.Error()),
			slog.Duration("since_last_good", now.Sub(lastGood)),
		)
		return prevSample, nil
	}

	r.stale.Store(false)
	r.state.Store(&cacheState{sample: sample, expires: now.Add(r.ttl), lastGood: now})
	r.metrics.observeRefresh(r.id, resultAccepted, time.Since(start).Seconds())
	r.metrics.setFlags(r.id, true, false)

	r.log.Debug("got meter data", slog.Int("fields", len(sample)))
	return sample, nil
}
