package main

import (
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/unklstewy/tptool/pkg/feed"
)

func TestStraightLineSample(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	target := straightLine{
		start:            r3.Vec{X: -20000, Y: 5000, Z: 7000},
		velocity:         r3.Vec{X: 220, Y: -10, Z: 2},
		t0:               t0,
		observerAltitude: 100,
	}

	s := target.sampleAt(t0.Add(10 * time.Second))

	want := r3.Vec{X: -17800, Y: 4900, Z: 7020}
	if r3.Norm(r3.Sub(s.Position, want)) > 1e-9 {
		t.Errorf("Expected position %v, got %v", want, s.Position)
	}
	if s.Altitude != 7120 {
		t.Errorf("Expected altitude 7120, got %f", s.Altitude)
	}
	// Mostly north, slightly east
	wantTrack := math.Atan2(10, 220) * 180 / math.Pi
	if math.Abs(s.Track-wantTrack) > 1e-9 {
		t.Errorf("Expected track %f, got %f", wantTrack, s.Track)
	}
}

func TestStraightLineLineParses(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	target := straightLine{start: r3.Vec{X: 1000, Y: 2000, Z: 3000}, velocity: r3.Vec{X: -50}, t0: t0}

	s, err := feed.ParseLine(feed.FormatLine(target.sampleAt(t0)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.Position != target.start {
		t.Errorf("Expected %v, got %v", target.start, s.Position)
	}
	if s.Track != 180 {
		t.Errorf("Expected track 180, got %f", s.Track)
	}
}
