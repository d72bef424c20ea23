package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseBatchSizes(t *testing.T) {
	tcs := map[string]struct {
		in      string
		want    []int
		wantErr bool
	}{
		"single":       {in: "1000", want: []int{1000}},
		"multiple":     {in: "1000, 5000,10000", want: []int{1000, 5000, 10000}},
		"underscores":  {in: "10_000", want: []int{10000}},
		"not a number": {in: "1k", wantErr: true},
		"zero":         {in: "0", wantErr: true},
		"negative":     {in: "-10", wantErr: true},
		"empty":        {in: "", wantErr: true},
	}

	for name, tc := range tcs {
		t.Run(name, func(tt *testing.T) {
			got, err := parseBatchSizes(tc.in)
			if tc.wantErr {
				require.Error(tt, err)
				return
			}
			require.NoError(tt, err)
			require.Equal(tt, tc.want, got)
		})
	}
}

func TestAggregateResults(t *testing.T) {
	got := aggregateResults(1000, []BenchmarkResult{
		{Rows: 100, Duration: time.Second, Throughput: 100},
		{Rows: 100, Duration: 500 * time.Millisecond, Throughput: 200},
		{Rows: 100, Duration: 2 * time.Second, Throughput: 50},
		{Rows: 100, Duration: time.Second, Throughput: 100},
	})

	require.Equal(t, 1000, got.BatchSize)
	require.Equal(t, 4, got.Iterations)
	require.InDelta(t, 112.5, got.MeanThroughput, 0.001)
	require.InDelta(t, 54.486, got.StdDevThroughput, 0.001)
	require.InDelta(t, 50, got.MinThroughput, 0.001)
	require.InDelta(t, 200, got.MaxThroughput, 0.001)
	require.Equal(t, []int64{1000, 500, 2000, 1000}, got.Durations)

	empty := aggregateResults(10, nil)
	require.Equal(t, BatchSizeResults{BatchSize: 10}, empty)
}

func TestOutput(t *testing.T) {
	out := BenchmarkOutput{
		Database:  "localhost:5432",
		Rows:      1000,
		Timestamp: "2026-01-01T00:00:00Z",
		Results: []BatchSizeResults{
			{BatchSize: 100, Iterations: 2, MeanThroughput: 5000, StdDevThroughput: 10, MinThroughput: 4990, MaxThroughput: 5010},
		},
	}

	var text bytes.Buffer
	outputText(&text, out)
	require.Contains(t, text.String(), "Database: localhost:5432")
	require.Contains(t, text.String(), "5000")
	require.Contains(t, text.String(), "4990")

	var js bytes.Buffer
	outputJSON(&js, out)
	var decoded BenchmarkOutput
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	require.Equal(t, out, decoded)
}
