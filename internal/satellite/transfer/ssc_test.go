package transfer

import (
	"testing"
	"time"
)

func TestSpeedWindow_RequiresMinimumWindow(t *testing.T) {
	var w speedWindow
	now := time.Now()

	if _, ok := w.add(ChunkSize, now); ok {
		t.Fatal("one chunk produced a measurement")
	}
	if _, ok := w.add(ChunkSize, now.Add(2*time.Second)); ok {
		t.Fatal("two chunks produced a measurement")
	}
	// Three chunks but under one second of wall time.
	var w2 speedWindow
	w2.add(ChunkSize, now)
	w2.add(ChunkSize, now.Add(100*time.Millisecond))
	if _, ok := w2.add(ChunkSize, now.Add(200*time.Millisecond)); ok {
		t.Fatal("sub-second window produced a measurement")
	}
}

func TestSpeedWindow_MeasuresAndResets(t *testing.T) {
	var w speedWindow
	now := time.Now()

	w.add(ChunkSize, now)
	w.add(ChunkSize, now.Add(time.Second))
	bps, ok := w.add(ChunkSize, now.Add(2*time.Second))
	if !ok {
		t.Fatal("full window produced no measurement")
	}
	// 48 MiB over 2 seconds.
	want := int64(3 * ChunkSize / 2)
	if bps != want {
		t.Fatalf("rate %d, want %d", bps, want)
	}

	// Window restarts from scratch.
	if _, ok := w.add(ChunkSize, now.Add(3*time.Second)); ok {
		t.Fatal("measurement right after reset")
	}
}

func TestParseSscMode(t *testing.T) {
	cases := map[string]SscMode{
		"ON":      SscOn,
		"OFF":     SscOff,
		"USER":    SscUser,
		"AUTO":    SscAuto,
		"":        SscAuto,
		"garbage": SscAuto,
	}
	for in, want := range cases {
		if got := ParseSscMode(in); got != want {
			t.Fatalf("ParseSscMode(%q) = %v, want %v", in, got, want)
		}
	}
}
