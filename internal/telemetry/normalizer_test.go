// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package telemetry

import (
	"errors"
	"math"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	n := NewNormalizer(DefaultConfig())
	n.SetClock(func() time.Time { return testNow })
	n.Track("sess-1")
	return n
}

func sample(typ SampleType, payload string, ts time.Time) BehaviorSample {
	return BehaviorSample{
		SessionID: "sess-1",
		DeviceID:  "dev-1",
		Timestamp: ts,
		Type:      typ,
		Payload:   []byte(payload),
	}
}

func TestNormalize_Features(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   BehaviorSample
		want map[Feature]float64
	}{
		{
			name: "touch",
			in:   sample(SampleTouch, `{"velocity":1.5,"pressure":0.4}`, testNow),
			want: map[Feature]float64{SwipeVelocity: 1.5, TapPressure: 0.4},
		},
		{
			name: "pressure clamped high",
			in:   sample(SampleTouch, `{"pressure":1.7}`, testNow),
			want: map[Feature]float64{TapPressure: 1},
		},
		{
			name: "pressure clamped low",
			in:   sample(SampleTouch, `{"pressure":-0.2}`, testNow),
			want: map[Feature]float64{TapPressure: 0},
		},
		{
			name: "keystroke",
			in:   sample(SampleKeystroke, `{"interval_ms":180,"dwell_ms":95}`, testNow),
			want: map[Feature]float64{KeystrokeInterval: 180, KeystrokeDwell: 95},
		},
		{
			name: "motion energies",
			in:   sample(SampleMotion, `{"gyro":{"x":1,"y":2,"z":2},"accel":{"x":0,"y":3,"z":4}}`, testNow),
			want: map[Feature]float64{GyroEnergy: 9, AccelEnergy: 25},
		},
		{
			name: "location has no direct features",
			in:   sample(SampleLocation, `{"latitude":40.7,"longitude":-74.0}`, testNow),
			want: map[Feature]float64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := newTestNormalizer()
			fv, err := n.Normalize(tt.in)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if len(fv.Values) != len(tt.want) {
				t.Fatalf("Values = %v, want %v", fv.Values, tt.want)
			}
			for f, want := range tt.want {
				if got := fv.Values[f]; math.Abs(got-want) > 1e-9 {
					t.Errorf("%s = %v, want %v", f, got, want)
				}
			}
		})
	}
}

func TestNormalize_LocationPoint(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	fv, err := n.Normalize(sample(SampleLocation, `{"latitude":51.5,"longitude":-0.12,"accuracy_m":20}`, testNow))
	if err != nil {
		t.Fatal(err)
	}
	if fv.Location == nil || fv.Location.Latitude != 51.5 || fv.Location.Longitude != -0.12 {
		t.Errorf("Location = %+v", fv.Location)
	}
}

func TestNormalize_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		in         BehaviorSample
		wantReason string
	}{
		{"missing session", BehaviorSample{DeviceID: "d", Timestamp: testNow, Type: SampleTouch, Payload: []byte(`{}`)}, ReasonSchema},
		{"unknown type", sample("voice", `{}`, testNow), ReasonSchema},
		{"zero timestamp", sample(SampleTouch, `{"velocity":1}`, time.Time{}), ReasonSchema},
		{"malformed json", sample(SampleTouch, `{"velocity":`, testNow), ReasonPayload},
		{"empty touch", sample(SampleTouch, `{}`, testNow), ReasonPayload},
		{"empty motion", sample(SampleMotion, `{}`, testNow), ReasonPayload},
		{"negative interval", sample(SampleKeystroke, `{"interval_ms":-5}`, testNow), ReasonRange},
		{"absurd velocity", sample(SampleTouch, `{"velocity":9000}`, testNow), ReasonRange},
		{"latitude out of range", sample(SampleLocation, `{"latitude":123,"longitude":0}`, testNow), ReasonPayload},
		{"missing longitude", sample(SampleLocation, `{"latitude":12}`, testNow), ReasonPayload},
		{"future timestamp", sample(SampleTouch, `{"velocity":1}`, testNow.Add(time.Minute)), ReasonFuture},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := newTestNormalizer().Normalize(tt.in)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !errors.Is(err, ErrInvalidSample) {
				t.Errorf("errors.Is(err, ErrInvalidSample) = false for %v", err)
			}
			var ise *InvalidSampleError
			if !errors.As(err, &ise) {
				t.Fatalf("expected *InvalidSampleError, got %T", err)
			}
			if ise.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q (%v)", ise.Reason, tt.wantReason, err)
			}
		})
	}
}

func TestNormalize_SequenceAndJitter(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	base := testNow.Add(-10 * time.Second)

	first, err := n.Normalize(sample(SampleTouch, `{"velocity":1}`, base))
	if err != nil {
		t.Fatal(err)
	}
	second, err := n.Normalize(sample(SampleTouch, `{"velocity":1}`, base.Add(5*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	// Within jitter tolerance of the newest sample: accepted.
	late, err := n.Normalize(sample(SampleTouch, `{"velocity":1}`, base.Add(4*time.Second)))
	if err != nil {
		t.Fatalf("jittered sample rejected: %v", err)
	}
	if !(first.Seq < second.Seq && second.Seq < late.Seq) {
		t.Errorf("sequence not monotonic: %d, %d, %d", first.Seq, second.Seq, late.Seq)
	}

	// Beyond tolerance: rejected and the sequence does not advance.
	_, err = n.Normalize(sample(SampleTouch, `{"velocity":1}`, base))
	var ise *InvalidSampleError
	if !errors.As(err, &ise) || ise.Reason != ReasonStale {
		t.Fatalf("expected stale rejection, got %v", err)
	}
	next, err := n.Normalize(sample(SampleTouch, `{"velocity":1}`, base.Add(6*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if next.Seq != late.Seq+1 {
		t.Errorf("Seq = %d, want %d", next.Seq, late.Seq+1)
	}
}

func TestNormalize_Forget(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	if _, err := n.Normalize(sample(SampleTouch, `{"velocity":1}`, testNow)); err != nil {
		t.Fatal(err)
	}
	n.Forget("sess-1")

	for i := 0; i < 2; i++ {
		_, err := n.Normalize(sample(SampleTouch, `{"velocity":1}`, testNow))
		if !errors.Is(err, ErrUntrackedSession) {
			t.Fatalf("forgotten session: error = %v, want ErrUntrackedSession", err)
		}
		if errors.Is(err, ErrInvalidSample) {
			t.Error("untracked session reported as an invalid sample")
		}
	}

	n.Track("sess-1")
	n.Track("sess-1")
	fv, err := n.Normalize(sample(SampleTouch, `{"velocity":1}`, testNow.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("re-tracked session should start fresh: %v", err)
	}
	if fv.Seq != 1 {
		t.Errorf("Seq = %d, want 1", fv.Seq)
	}
}

func TestFeatureIsKnown(t *testing.T) {
	t.Parallel()

	for _, f := range Features {
		if !f.IsKnown() {
			t.Errorf("%s should be known", f)
		}
	}
	if Feature("heart_rate").IsKnown() {
		t.Error("heart_rate should not be known")
	}
}
