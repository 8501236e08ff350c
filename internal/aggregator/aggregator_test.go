// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package aggregator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/vigil/internal/baseline"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/telemetry"
)

var (
	testKey = baseline.Key{UserID: "alice", DeviceID: "phone"}
	t0      = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
)

// failingStore fails every operation.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Load(context.Context, baseline.Key) (*baseline.UserBaseline, error) {
	return nil, errStoreDown
}
func (failingStore) Save(context.Context, *baseline.UserBaseline) error { return errStoreDown }
func (failingStore) Delete(context.Context, baseline.Key) error         { return errStoreDown }

// flakyStore loads from an inner store but fails saves.
type flakyStore struct {
	*baseline.MemoryStore
}

func (flakyStore) Save(context.Context, *baseline.UserBaseline) error { return errStoreDown }

func newTestAggregator(t *testing.T, store baseline.Store) *Aggregator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MinBaselineSamples = 10
	a := New(cfg, store)
	a.SetClock(func() time.Time { return t0 })
	t.Cleanup(a.Close)
	return a
}

// seedBaseline stores a baseline where each feature alternates between
// mean-1 and mean+1 for n samples.
func seedBaseline(t *testing.T, store baseline.Store, n int, means map[telemetry.Feature]float64) {
	t.Helper()
	b := baseline.New(testKey, t0)
	for i := 0; i < n; i++ {
		values := make(map[telemetry.Feature]float64, len(means))
		for f, m := range means {
			if i%2 == 0 {
				values[f] = m - 1
			} else {
				values[f] = m + 1
			}
		}
		b.Apply(telemetry.FeatureVector{Values: values}, t0)
	}
	if err := store.Save(context.Background(), b); err != nil {
		t.Fatal(err)
	}
}

func vec(seq uint64, at time.Time, values map[telemetry.Feature]float64) telemetry.FeatureVector {
	return telemetry.FeatureVector{
		SessionID: "s1",
		DeviceID:  "phone",
		Seq:       seq,
		Timestamp: at,
		Type:      telemetry.SampleTouch,
		Values:    values,
	}
}

func TestObserveZScores(t *testing.T) {
	t.Parallel()

	store := baseline.NewMemoryStore()
	seedBaseline(t, store, 40, map[telemetry.Feature]float64{telemetry.SwipeVelocity: 10})
	a := newTestAggregator(t, store)

	b, _ := a.Baseline(context.Background(), testKey)
	st, _ := b.Stats(telemetry.SwipeVelocity)
	sd := st.StdDev()

	w := a.NewWindow()
	cycle, err := a.Observe(context.Background(), testKey, w, []telemetry.FeatureVector{
		vec(1, t0, map[telemetry.Feature]float64{telemetry.SwipeVelocity: 10 + 3*sd}),
		vec(2, t0.Add(time.Second), map[telemetry.Feature]float64{telemetry.SwipeVelocity: 10 + sd}),
	})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	dev, ok := cycle.Deviations[telemetry.SwipeVelocity]
	if !ok {
		t.Fatal("swipe deviation missing")
	}
	if math.Abs(dev.Z-2) > 1e-9 {
		t.Errorf("cycle z = %v, want mean of 3 and 1 = 2", dev.Z)
	}
	if dev.LowConfidence {
		t.Error("40 samples should be an established baseline")
	}
	if dev.Samples != 40 {
		t.Errorf("Samples = %d, want 40", dev.Samples)
	}
	if !cycle.Deviations.Established() {
		t.Error("Established() = false")
	}
	if f, z := cycle.Deviations.MaxAbsZ(); f != telemetry.SwipeVelocity || math.Abs(z-2) > 1e-9 {
		t.Errorf("MaxAbsZ() = %s, %v", f, z)
	}
	if w.Len() != 2 || len(cycle.Vectors) != 2 {
		t.Errorf("window len = %d, cycle vectors = %d", w.Len(), len(cycle.Vectors))
	}
	if len(cycle.DeviceIDs) != 1 || cycle.DeviceIDs[0] != "phone" {
		t.Errorf("DeviceIDs = %v", cycle.DeviceIDs)
	}
}

func TestObserveColdStart(t *testing.T) {
	t.Parallel()

	store := baseline.NewMemoryStore()
	seedBaseline(t, store, 5, map[telemetry.Feature]float64{telemetry.KeystrokeInterval: 150})
	a := newTestAggregator(t, store)

	cycle, err := a.Observe(context.Background(), testKey, a.NewWindow(), []telemetry.FeatureVector{
		vec(1, t0, map[telemetry.Feature]float64{
			telemetry.KeystrokeInterval: 400,
			telemetry.KeystrokeDwell:    90,
		}),
	})
	if err != nil {
		t.Fatal(err)
	}

	interval := cycle.Deviations[telemetry.KeystrokeInterval]
	if !interval.LowConfidence {
		t.Error("5 samples is below the minimum and must be low confidence")
	}
	if interval.Z == 0 {
		t.Error("z-score is still computed for low-confidence features")
	}
	dwell := cycle.Deviations[telemetry.KeystrokeDwell]
	if !dwell.LowConfidence || dwell.Z != 0 || dwell.Samples != 0 {
		t.Errorf("feature without baseline = %+v", dwell)
	}
	if cycle.Deviations.Established() {
		t.Error("cycle with only low-confidence features must be a cold start")
	}
	if _, z := cycle.Deviations.MaxAbsZ(); z != 0 {
		t.Errorf("MaxAbsZ() ignores low-confidence features, got %v", z)
	}
}

func TestDeviationRelativeFloor(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, baseline.NewMemoryStore())
	b := baseline.New(testKey, t0)
	for i := 0; i < 50; i++ {
		b.Apply(telemetry.FeatureVector{Values: map[telemetry.Feature]float64{telemetry.KeystrokeDwell: 100}}, t0)
	}

	// A constant baseline has zero variance; the denominator falls back to
	// 1% of the mean.
	dev := a.deviation(b, telemetry.KeystrokeDwell, 101)
	if math.Abs(dev.Z-1) > 1e-9 {
		t.Errorf("z = %v, want 1", dev.Z)
	}

	// With a zero mean the absolute epsilon applies.
	z := baseline.New(testKey, t0)
	for i := 0; i < 50; i++ {
		z.Apply(telemetry.FeatureVector{Values: map[telemetry.Feature]float64{telemetry.GyroEnergy: 0}}, t0)
	}
	dev = a.deviation(z, telemetry.GyroEnergy, 1e-6)
	if math.Abs(dev.Z-1) > 1e-9 {
		t.Errorf("z = %v, want 1", dev.Z)
	}
}

func TestObserveGeoDisplacement(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, baseline.NewMemoryStore())
	w := a.NewWindow()

	nyc := telemetry.GeoPoint{Latitude: 40.7128, Longitude: -74.0060}
	london := telemetry.GeoPoint{Latitude: 51.5074, Longitude: -0.1278}

	first := vec(1, t0, map[telemetry.Feature]float64{})
	first.Type, first.Location = telemetry.SampleLocation, &nyc
	cycle, _ := a.Observe(context.Background(), testKey, w, []telemetry.FeatureVector{first})
	if cycle.Movement != nil {
		t.Error("first fix has no movement")
	}
	if _, ok := cycle.Deviations[telemetry.GeoDisplacement]; ok {
		t.Error("first fix has no displacement")
	}

	// The previous fix is remembered across cycles.
	second := vec(2, t0.Add(30*time.Minute), map[telemetry.Feature]float64{})
	second.Type, second.Location = telemetry.SampleLocation, &london
	cycle, _ = a.Observe(context.Background(), testKey, w, []telemetry.FeatureVector{second})

	if cycle.Movement == nil {
		t.Fatal("expected movement between fixes")
	}
	if math.Abs(cycle.Movement.DistanceKm-5570) > 15 {
		t.Errorf("DistanceKm = %v", cycle.Movement.DistanceKm)
	}
	if speed := cycle.Movement.SpeedKmh(); speed < 10000 {
		t.Errorf("SpeedKmh = %v, want > 10000", speed)
	}
	if got := cycle.Vectors[0].Values[telemetry.GeoDisplacement]; math.Abs(got-cycle.Movement.DistanceKm) > 1e-9 {
		t.Errorf("geo_displacement = %v", got)
	}
	if second.Values[telemetry.GeoDisplacement] != 0 {
		t.Error("caller's vector must not be mutated")
	}
}

func TestObserveIgnoresUnknownLocation(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, baseline.NewMemoryStore())
	w := a.NewWindow()

	known := telemetry.GeoPoint{Latitude: 48.8566, Longitude: 2.3522}
	unknown := telemetry.GeoPoint{}

	v1 := vec(1, t0, nil)
	v1.Location = &known
	v2 := vec(2, t0.Add(time.Minute), nil)
	v2.Location = &unknown
	cycle, _ := a.Observe(context.Background(), testKey, w, []telemetry.FeatureVector{v1, v2})

	if cycle.Movement != nil {
		t.Errorf("(0,0) fix must not produce movement, got %+v", cycle.Movement)
	}
	if p, _, ok := w.LastLocation(); !ok || p != known {
		t.Errorf("LastLocation() = %v, %v", p, ok)
	}
}

func TestMovementSpeed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    Movement
		want float64
	}{
		{"one hour", Movement{DistanceKm: 100, Elapsed: time.Hour}, 100},
		{"half hour", Movement{DistanceKm: 100, Elapsed: 30 * time.Minute}, 200},
		{"stationary", Movement{}, 0},
		{"instant jump", Movement{DistanceKm: 1}, math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.m.SpeedKmh(); got != tt.want {
				t.Errorf("SpeedKmh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWindowBounds(t *testing.T) {
	t.Parallel()

	w := NewWindow(3, time.Minute)
	for i := 0; i < 5; i++ {
		w.push(vec(uint64(i+1), t0.Add(time.Duration(i)*time.Second), nil))
	}
	vs := w.Vectors()
	if len(vs) != 3 || vs[0].Seq != 3 || vs[2].Seq != 5 {
		t.Errorf("size bound: got seqs %v", seqs(vs))
	}

	w.push(vec(6, t0.Add(2*time.Minute), nil))
	vs = w.Vectors()
	if len(vs) != 1 || vs[0].Seq != 6 {
		t.Errorf("duration bound: got seqs %v", seqs(vs))
	}
}

func TestObserveCarriesSparseFeaturesFromWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		size     int
		duration time.Duration
		gap      time.Duration
		wantZ    float64
		carried  bool
	}{
		{name: "default window", size: 64, duration: 2 * time.Minute, gap: 10 * time.Second, wantZ: 3, carried: true},
		{name: "one vector window", size: 1, duration: 2 * time.Minute, gap: 10 * time.Second},
		{name: "short window", size: 64, duration: 5 * time.Second, gap: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := baseline.NewMemoryStore()
			seedBaseline(t, store, 40, map[telemetry.Feature]float64{
				telemetry.SwipeVelocity:     10,
				telemetry.KeystrokeInterval: 150,
			})
			cfg := DefaultConfig()
			cfg.MinBaselineSamples = 10
			cfg.WindowSize = tt.size
			cfg.WindowDuration = tt.duration
			a := New(cfg, store)
			a.SetClock(func() time.Time { return t0 })
			t.Cleanup(a.Close)

			b, _ := a.Baseline(context.Background(), testKey)
			st, _ := b.Stats(telemetry.SwipeVelocity)
			sd := st.StdDev()

			w := a.NewWindow()
			ctx := context.Background()
			if _, err := a.Observe(ctx, testKey, w, []telemetry.FeatureVector{
				vec(1, t0, map[telemetry.Feature]float64{
					telemetry.SwipeVelocity:     10 + 3*sd,
					telemetry.KeystrokeInterval: 150,
				}),
			}); err != nil {
				t.Fatal(err)
			}

			cycle, err := a.Observe(ctx, testKey, w, []telemetry.FeatureVector{
				vec(2, t0.Add(tt.gap), map[telemetry.Feature]float64{telemetry.KeystrokeInterval: 150}),
			})
			if err != nil {
				t.Fatal(err)
			}

			if d := cycle.Deviations[telemetry.KeystrokeInterval]; d.Carried {
				t.Error("feature present in the batch marked carried")
			}
			dev, ok := cycle.Deviations[telemetry.SwipeVelocity]
			if ok != tt.carried {
				t.Fatalf("swipe deviation present = %v, want %v (%v)", ok, tt.carried, cycle.Deviations)
			}
			if !ok {
				return
			}
			if !dev.Carried {
				t.Error("Carried = false")
			}
			if math.Abs(dev.Z-tt.wantZ) > 1e-9 {
				t.Errorf("carried z = %v, want %v", dev.Z, tt.wantZ)
			}
		})
	}
}

func TestObserveEmptyBatchCarriesNothing(t *testing.T) {
	t.Parallel()

	store := baseline.NewMemoryStore()
	seedBaseline(t, store, 40, map[telemetry.Feature]float64{telemetry.SwipeVelocity: 10})
	a := newTestAggregator(t, store)

	w := a.NewWindow()
	ctx := context.Background()
	if _, err := a.Observe(ctx, testKey, w, []telemetry.FeatureVector{
		vec(1, t0, map[telemetry.Feature]float64{telemetry.SwipeVelocity: 12}),
	}); err != nil {
		t.Fatal(err)
	}
	cycle, err := a.Observe(ctx, testKey, w, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cycle.Deviations) != 0 {
		t.Errorf("Deviations = %v, want none", cycle.Deviations)
	}
}

func seqs(vs []telemetry.FeatureVector) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = v.Seq
	}
	return out
}

func TestCommitGuard(t *testing.T) {
	tests := []struct {
		name    string
		guard   Guard
		applied bool
		reason  string
	}{
		{"trusted and clean", Guard{Trusted: true}, true, ""},
		{"not trusted", Guard{Trusted: false}, false, ReasonNotTrusted},
		{"open medium anomaly", Guard{Trusted: true, BlockingAnomaly: true}, false, ReasonOpenAnomaly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := baseline.NewMemoryStore()
			a := newTestAggregator(t, store)
			withheld := testutil.ToFloat64(metrics.BaselineUpdates.WithLabelValues("withheld"))

			upd, err := a.Commit(context.Background(), testKey, tt.guard, []telemetry.FeatureVector{
				vec(1, t0, map[telemetry.Feature]float64{telemetry.SwipeVelocity: 3}),
			})
			if err != nil {
				t.Fatalf("Commit() error = %v", err)
			}
			if upd.Applied != tt.applied || upd.Reason != tt.reason {
				t.Errorf("Commit() = %+v", upd)
			}

			_, loadErr := store.Load(context.Background(), testKey)
			if tt.applied && loadErr != nil {
				t.Errorf("applied update not persisted: %v", loadErr)
			}
			if !tt.applied {
				if !errors.Is(loadErr, baseline.ErrNotFound) {
					t.Error("withheld update must not reach the store")
				}
				if got := testutil.ToFloat64(metrics.BaselineUpdates.WithLabelValues("withheld")); got <= withheld {
					t.Error("withheld update not counted")
				}
			}
		})
	}
}

func TestCommitEmpty(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, baseline.NewMemoryStore())
	upd, err := a.Commit(context.Background(), testKey, Guard{Trusted: true}, nil)
	if err != nil || upd.Applied || upd.Reason != ReasonNothingToCommit {
		t.Errorf("Commit(nil) = %+v, %v", upd, err)
	}
}

func TestCommitAccumulates(t *testing.T) {
	t.Parallel()

	store := baseline.NewMemoryStore()
	a := newTestAggregator(t, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		upd, err := a.Commit(ctx, testKey, Guard{Trusted: true}, []telemetry.FeatureVector{
			vec(uint64(2*i+1), t0, map[telemetry.Feature]float64{telemetry.TapPressure: 0.4}),
			vec(uint64(2*i+2), t0, map[telemetry.Feature]float64{telemetry.TapPressure: 0.6}),
		})
		if err != nil {
			t.Fatal(err)
		}
		if upd.Samples != int64(2*(i+1)) {
			t.Errorf("round %d Samples = %d", i, upd.Samples)
		}
	}

	b, err := store.Load(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	st, _ := b.Stats(telemetry.TapPressure)
	if st.Count != 6 || math.Abs(st.Mean-0.5) > 1e-12 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCommitSaveFailureKeepsCache(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, flakyStore{baseline.NewMemoryStore()})
	ctx := context.Background()

	upd, err := a.Commit(ctx, testKey, Guard{Trusted: true}, []telemetry.FeatureVector{
		vec(1, t0, map[telemetry.Feature]float64{telemetry.SwipeVelocity: 2}),
	})
	if !errors.Is(err, ErrBaselineUnavailable) {
		t.Fatalf("error = %v, want ErrBaselineUnavailable", err)
	}
	if !upd.Applied {
		t.Error("update should still be applied to the cached baseline")
	}

	b, err := a.Baseline(ctx, testKey)
	if err != nil {
		t.Fatalf("Baseline() error = %v", err)
	}
	if b.Samples != 1 {
		t.Errorf("cached Samples = %d, want 1", b.Samples)
	}
}

func TestStoreUnavailable(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, failingStore{})
	ctx := context.Background()

	cycle, err := a.Observe(ctx, testKey, a.NewWindow(), []telemetry.FeatureVector{
		vec(1, t0, map[telemetry.Feature]float64{telemetry.SwipeVelocity: 2}),
	})
	if !errors.Is(err, ErrBaselineUnavailable) {
		t.Fatalf("Observe() error = %v, want ErrBaselineUnavailable", err)
	}
	if len(cycle.Deviations) != 1 {
		t.Error("Observe must still produce deviations on a stand-in baseline")
	}

	upd, err := a.Commit(ctx, testKey, Guard{Trusted: true}, cycle.Vectors)
	if !errors.Is(err, ErrBaselineUnavailable) {
		t.Fatalf("Commit() error = %v", err)
	}
	if upd.Applied || upd.Reason != ReasonUnavailable {
		t.Errorf("Commit() = %+v, must not fold samples into a stand-in", upd)
	}
}

func TestConcurrentCommitsSingleWriter(t *testing.T) {
	t.Parallel()

	store := baseline.NewMemoryStore()
	a := newTestAggregator(t, store)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = a.Commit(ctx, testKey, Guard{Trusted: true}, []telemetry.FeatureVector{
				vec(uint64(i), t0, map[telemetry.Feature]float64{telemetry.GyroEnergy: float64(i)}),
			})
		}(i)
	}
	wg.Wait()

	b, err := store.Load(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if b.Samples != writers {
		t.Errorf("Samples = %d, want %d (lost update)", b.Samples, writers)
	}
	if a.locks.size() != 0 {
		t.Errorf("keyed mutex leaked %d locks", a.locks.size())
	}
}
