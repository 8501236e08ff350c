// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package aggregator turns a session's normalized feature vectors into a
// deviation vector against the user's streaming baseline, and guards
// baseline updates so that an attacker's behavior cannot become the
// reference for "normal".
//
// Baselines are read from a TTL cache backed by a baseline.Store. Reads see
// immutable snapshots; writes are serialized per (user, device) and replace
// the cached snapshot with an updated copy.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/vigil/internal/baseline"
	"github.com/tomtom215/vigil/internal/cache"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/telemetry"
)

// ErrBaselineUnavailable is returned alongside a usable result when the
// baseline store could not be reached and a cached or empty baseline was
// used instead.
var ErrBaselineUnavailable = errors.New("baseline store unavailable")

// Config controls windowing and deviation computation.
type Config struct {
	WindowSize         int
	WindowDuration     time.Duration
	MinBaselineSamples int
	// Epsilon and RelativeFloor bound the z-score denominator from below.
	Epsilon       float64
	RelativeFloor float64
	// CacheTTL is how long an unused baseline stays in memory.
	CacheTTL time.Duration
}

// DefaultConfig returns the default aggregation settings.
func DefaultConfig() Config {
	return Config{
		WindowSize:         64,
		WindowDuration:     2 * time.Minute,
		MinBaselineSamples: 30,
		Epsilon:            1e-6,
		RelativeFloor:      0.01,
		CacheTTL:           30 * time.Minute,
	}
}

// Cycle is the aggregated view of one evaluation cycle.
type Cycle struct {
	// Vectors are the drained vectors, with geo_displacement filled in.
	Vectors    []telemetry.FeatureVector
	Deviations Deviations
	// Movement is the fastest location change seen in the cycle.
	Movement *Movement
	// DeviceIDs lists the distinct device IDs that sent samples.
	DeviceIDs []string
	// BaselineSamples is the total sample count of the baseline used.
	BaselineSamples int64
}

// Guard carries the session facts the poisoning guard decides on.
type Guard struct {
	// Trusted is true when the session is Trusted after this cycle.
	Trusted bool
	// BlockingAnomaly is true when an unresolved anomaly of medium or higher
	// severity is open on the session.
	BlockingAnomaly bool
}

// Withheld reasons for a guarded baseline update.
const (
	ReasonNotTrusted      = "session_not_trusted"
	ReasonOpenAnomaly     = "unresolved_anomaly"
	ReasonNothingToCommit = "no_vectors"
	ReasonUnavailable     = "baseline_unavailable"
)

// Update reports the outcome of Commit.
type Update struct {
	Applied bool
	// Reason explains a withheld update.
	Reason string
	// Samples is the baseline sample count after the update.
	Samples int64
}

// Aggregator computes deviations and owns baseline mutation.
type Aggregator struct {
	cfg   Config
	store baseline.Store
	hot   *cache.Cache[*baseline.UserBaseline]
	locks *keyedMutex
	now   func() time.Time
}

// New creates an Aggregator over store.
func New(cfg Config, store baseline.Store) *Aggregator {
	return &Aggregator{
		cfg:   cfg,
		store: store,
		hot:   cache.New[*baseline.UserBaseline](cfg.CacheTTL),
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Close releases the baseline cache.
func (a *Aggregator) Close() {
	a.hot.Close()
}

// NewWindow returns an empty session window sized from the configuration.
func (a *Aggregator) NewWindow() *Window {
	return NewWindow(a.cfg.WindowSize, a.cfg.WindowDuration)
}

// Observe pushes vectors into w and returns the cycle's deviation vector:
// the per-feature mean z-score over the drained vectors. Vectors must be in
// sequence order.
//
// A feature the drained vectors do not carry takes its mean z-score over the
// vectors still held in w, so a sparse tick is scored on the session's
// recent behavior rather than on a fraction of the features. Such deviations
// are marked Carried. An empty batch carries nothing.
//
// When the baseline store fails, Observe still returns a usable Cycle
// computed against the cached (or an empty) baseline, together with an error
// wrapping ErrBaselineUnavailable.
func (a *Aggregator) Observe(ctx context.Context, key baseline.Key, w *Window, vectors []telemetry.FeatureVector) (Cycle, error) {
	b, loadErr := a.snapshot(ctx, key)

	cycle := Cycle{
		Vectors:         make([]telemetry.FeatureVector, 0, len(vectors)),
		BaselineSamples: b.Samples,
	}
	acc := newMeanDeviations()
	seenDevices := make(map[string]struct{})

	for _, v := range vectors {
		if _, ok := seenDevices[v.DeviceID]; !ok && v.DeviceID != "" {
			seenDevices[v.DeviceID] = struct{}{}
			cycle.DeviceIDs = append(cycle.DeviceIDs, v.DeviceID)
		}

		if v.Location != nil {
			if m, ok := w.locate(*v.Location, v.Timestamp); ok {
				v = withValue(v, telemetry.GeoDisplacement, m.DistanceKm)
				if cycle.Movement == nil || m.SpeedKmh() > cycle.Movement.SpeedKmh() {
					mv := m
					cycle.Movement = &mv
				}
			}
		}

		for _, f := range telemetry.Features {
			if x, ok := v.Values[f]; ok {
				acc.add(a.deviation(b, f, x))
			}
		}

		w.push(v)
		cycle.Vectors = append(cycle.Vectors, v)
	}

	cycle.Deviations = acc.result()
	if len(vectors) > 0 {
		a.carry(b, w, cycle.Deviations)
	}
	return cycle, loadErr
}

// carry fills the features missing from devs from the window. The
// geo_displacement of an earlier fix describes that movement only and is
// never carried.
func (a *Aggregator) carry(b *baseline.UserBaseline, w *Window, devs Deviations) {
	acc := newMeanDeviations()
	for _, v := range w.vectors {
		for _, f := range telemetry.Features {
			if _, present := devs[f]; present || f == telemetry.GeoDisplacement {
				continue
			}
			if x, ok := v.Values[f]; ok {
				acc.add(a.deviation(b, f, x))
			}
		}
	}
	for f, d := range acc.result() {
		d.Carried = true
		devs[f] = d
	}
}

// Commit applies the cycle's vectors to the user's baseline if the guard
// allows it. A withheld update is not an error.
func (a *Aggregator) Commit(ctx context.Context, key baseline.Key, guard Guard, vectors []telemetry.FeatureVector) (Update, error) {
	switch {
	case !guard.Trusted:
		return a.withhold(ctx, key, ReasonNotTrusted), nil
	case guard.BlockingAnomaly:
		return a.withhold(ctx, key, ReasonOpenAnomaly), nil
	case len(vectors) == 0:
		return Update{Reason: ReasonNothingToCommit}, nil
	}

	unlock := a.locks.Lock(key.String())
	defer unlock()

	current, loadErr := a.snapshot(ctx, key)
	if loadErr != nil {
		// Never fold samples into a stand-in baseline: a later save would
		// overwrite the real profile.
		metrics.BaselineUpdates.WithLabelValues("failed").Inc()
		return Update{Reason: ReasonUnavailable}, loadErr
	}
	next := current.Clone()
	now := a.now()
	for _, v := range vectors {
		next.Apply(v, now)
	}

	// The cache always takes the new snapshot so evaluation keeps working
	// while the store is down.
	a.hot.Set(key.String(), next)

	if err := a.store.Save(ctx, next); err != nil {
		metrics.BaselineUpdates.WithLabelValues("failed").Inc()
		return Update{Applied: true, Samples: next.Samples},
			fmt.Errorf("save baseline %s: %w: %v", key, ErrBaselineUnavailable, err)
	}
	metrics.BaselineUpdates.WithLabelValues("applied").Inc()
	return Update{Applied: true, Samples: next.Samples}, nil
}

// Baseline returns the current snapshot for key. The returned value must
// not be modified.
func (a *Aggregator) Baseline(ctx context.Context, key baseline.Key) (*baseline.UserBaseline, error) {
	return a.snapshot(ctx, key)
}

// Evict drops key from the in-memory cache.
func (a *Aggregator) Evict(key baseline.Key) {
	a.hot.Delete(key.String())
}

func (a *Aggregator) withhold(ctx context.Context, key baseline.Key, reason string) Update {
	metrics.BaselineUpdates.WithLabelValues("withheld").Inc()
	logging.Ctx(ctx).Debug().
		Str("user_id", key.UserID).
		Str("device_id", key.DeviceID).
		Str("reason", reason).
		Msg("baseline update withheld")
	return Update{Reason: reason}
}

// snapshot returns the cached baseline, loading it from the store on a miss.
// A missing baseline is an empty one. On store failure the result is an
// empty baseline and an error wrapping ErrBaselineUnavailable.
func (a *Aggregator) snapshot(ctx context.Context, key baseline.Key) (*baseline.UserBaseline, error) {
	if b, ok := a.hot.Get(key.String()); ok {
		return b, nil
	}

	b, err := a.store.Load(ctx, key)
	switch {
	case err == nil:
		a.hot.Set(key.String(), b)
		return b, nil
	case errors.Is(err, baseline.ErrNotFound):
		return baseline.New(key, a.now()), nil
	default:
		return baseline.New(key, a.now()), fmt.Errorf("load baseline %s: %w: %v", key, ErrBaselineUnavailable, err)
	}
}

// withValue returns v with f set, without mutating the caller's map.
func withValue(v telemetry.FeatureVector, f telemetry.Feature, x float64) telemetry.FeatureVector {
	values := make(map[telemetry.Feature]float64, len(v.Values)+1)
	for k, val := range v.Values {
		values[k] = val
	}
	values[f] = x
	v.Values = values
	return v
}
