package timeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateSingleClip(t *testing.T) {
	tl := Timeline{Tracks: []Track{{Clips: []Clip{
		{Start: Start{Seconds: 0, OK: true}, Len: Length{Kind: LengthNumber, Seconds: 30}},
	}}}}

	assert.Equal(t, 30, Estimate(tl))
}

func TestEstimateTakesMaxAcrossTracks(t *testing.T) {
	tl := Timeline{Tracks: []Track{
		{Clips: []Clip{{Start: Start{Seconds: 0, OK: true}, Len: Length{Kind: LengthNumber, Seconds: 10}}}},
		{Clips: []Clip{{Start: Start{Seconds: 20, OK: true}, Len: Length{Kind: LengthNumber, Seconds: 25.5}}}},
	}}

	// 20 + 25.5 = 45.5, rounded up
	assert.Equal(t, 46, Estimate(tl))
}

func TestEstimateEndLengthResolvesAlias(t *testing.T) {
	tl := Timeline{Tracks: []Track{{Clips: []Clip{
		{
			Start: Start{Seconds: 0, OK: true},
			Len:   Length{Kind: LengthNumber, Seconds: 10},
			Alias: "a",
		},
		{
			Start: Start{Seconds: 5, OK: true},
			Len:   Length{Kind: LengthEnd},
			Asset: Asset{Type: "video", Src: "alias://a"},
		},
	}}}}

	// Second clip ends at 5 + 10 = 15
	assert.Equal(t, 15, Estimate(tl))
}

func TestEstimateEndWithUnknownAliasFallsBack(t *testing.T) {
	tl := Timeline{Tracks: []Track{{Clips: []Clip{
		{
			Start: Start{Seconds: 0, OK: true},
			Len:   Length{Kind: LengthEnd},
			Asset: Asset{Src: "alias://nope"},
		},
	}}}}

	assert.Equal(t, int(DefaultAutoLength), Estimate(tl))
}

func TestEstimateAutoLength(t *testing.T) {
	tl := Timeline{Tracks: []Track{{Clips: []Clip{
		{Start: Start{Seconds: 2, OK: true}, Len: Length{Kind: LengthAuto}},
	}}}}

	assert.Equal(t, 7, Estimate(tl))
}

func TestEstimateEmptyTimelineFallsBack(t *testing.T) {
	assert.Equal(t, FallbackDuration, Estimate(Timeline{}))
	assert.Equal(t, FallbackDuration, Estimate(Timeline{Tracks: []Track{{}}}))
}

func TestEstimateJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{
			name: "simple clip",
			raw:  `{"tracks":[{"clips":[{"start":0,"length":30}]}]}`,
			want: 30,
		},
		{
			name: "string length",
			raw:  `{"tracks":[{"clips":[{"start":"0","length":"12"}]}]}`,
			want: 12,
		},
		{
			name: "no tracks key",
			raw:  `{"something":"else"}`,
			want: FallbackDuration,
		},
		{
			name: "not json",
			raw:  `{{{`,
			want: FallbackDuration,
		},
		{
			name: "empty input",
			raw:  ``,
			want: FallbackDuration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateJSON(json.RawMessage(tt.raw))
			assert.Equal(t, tt.want, got)
			assert.Greater(t, got, 0, "duration must always be positive")
		})
	}
}

func TestLengthUnmarshalTolerance(t *testing.T) {
	var c Clip
	require.NoError(t, json.Unmarshal([]byte(`{"length":"auto"}`), &c))
	assert.Equal(t, LengthAuto, c.Len.Kind)

	require.NoError(t, json.Unmarshal([]byte(`{"length":"end"}`), &c))
	assert.Equal(t, LengthEnd, c.Len.Kind)

	require.NoError(t, json.Unmarshal([]byte(`{"length":{"weird":true}}`), &c))
	assert.Equal(t, LengthInvalid, c.Len.Kind)
}

func TestValidate(t *testing.T) {
	assert.True(t, Validate(json.RawMessage(`{"tracks":[{"clips":[{"start":0,"length":5}]}]}`)))
	assert.False(t, Validate(json.RawMessage(`{"tracks":[]}`)))
	assert.False(t, Validate(json.RawMessage(`{"tracks":[{"clips":[]}]}`)))
	assert.False(t, Validate(json.RawMessage(`not json`)))
	assert.False(t, Validate(nil))
}
