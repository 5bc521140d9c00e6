package telemetry

import (
	"context"
	"testing"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "torrentdesk"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSampleRate(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, defaultSampleRate},
		{-1, defaultSampleRate},
		{1.5, defaultSampleRate},
		{0.5, 0.5},
		{1, 1},
	}
	for _, tc := range tests {
		if got := sampleRate(tc.in); got != tc.want {
			t.Fatalf("sampleRate(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
