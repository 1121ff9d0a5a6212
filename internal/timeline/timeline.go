// Package timeline parses render-engine timeline JSON and estimates the total
// playable duration used for token pricing. It is a pure package: no I/O, and
// it never returns an error to the caller — unparseable input falls back to a
// conservative positive duration so a render is never priced at zero tokens.
package timeline

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	// DefaultAutoLength is the assumed duration for clips with length "auto".
	// The real length would require probing the external asset, which is out
	// of scope — this is a documented approximation, not a measurement.
	DefaultAutoLength = 5.0

	// FallbackDuration is returned for timelines that cannot be parsed at
	// all. One minute prices at the one-token minimum.
	FallbackDuration = 60
)

// LengthKind discriminates the forms a clip length can take.
type LengthKind int

const (
	LengthInvalid LengthKind = iota
	LengthNumber             // fixed positive number of seconds
	LengthAuto               // asset determines its own length
	LengthEnd                // resolves to another clip's duration via alias
)

// Length is a clip length: a positive number, "auto", or "end".
// Unmarshalling is tolerant — unrecognized values decode as LengthInvalid
// rather than failing the surrounding document.
type Length struct {
	Kind    LengthKind
	Seconds float64
}

func (l *Length) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		l.Kind = LengthNumber
		l.Seconds = n
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch strings.TrimSpace(strings.ToLower(s)) {
		case "auto":
			l.Kind = LengthAuto
		case "end":
			l.Kind = LengthEnd
		default:
			// Numeric strings get best-effort coercion
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				l.Kind = LengthNumber
				l.Seconds = n
			} else {
				l.Kind = LengthInvalid
			}
		}
		return nil
	}

	l.Kind = LengthInvalid
	return nil
}

func (l Length) MarshalJSON() ([]byte, error) {
	switch l.Kind {
	case LengthAuto:
		return json.Marshal("auto")
	case LengthEnd:
		return json.Marshal("end")
	default:
		return json.Marshal(l.Seconds)
	}
}

// Start is a clip start offset with tolerant numeric coercion.
type Start struct {
	Seconds float64
	OK      bool
}

func (s *Start) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		s.Seconds = n
		s.OK = true
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
			s.Seconds = n
			s.OK = true
		}
		return nil
	}
	return nil
}

func (s Start) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Seconds)
}

// Asset is the typed payload a clip wraps. Src carries alias references in
// the engine's "alias://<name>" form.
type Asset struct {
	Type string `json:"type,omitempty"`
	Src  string `json:"src,omitempty"`
}

// Clip is one time-positioned entry on a track. Alias names the clip so
// later clips can resolve "end" lengths against its duration.
type Clip struct {
	Start Start  `json:"start"`
	Len   Length `json:"length"`
	Alias string `json:"alias,omitempty"`
	Asset Asset  `json:"asset,omitempty"`
}

// Track is an ordered collection of clips played in parallel with other tracks.
type Track struct {
	Clips []Clip `json:"clips"`
}

// Timeline is the declarative composition: parallel tracks of clips.
type Timeline struct {
	Tracks []Track `json:"tracks"`
}

const aliasPrefix = "alias://"

// aliasRef extracts the alias name a clip's "end" length resolves through.
func aliasRef(c Clip) string {
	if strings.HasPrefix(c.Asset.Src, aliasPrefix) {
		return strings.TrimPrefix(c.Asset.Src, aliasPrefix)
	}
	return ""
}

// clipDuration resolves a clip's own duration ignoring alias references.
// Used by the first pass to build the alias map.
func clipDuration(c Clip) float64 {
	switch c.Len.Kind {
	case LengthNumber:
		if c.Len.Seconds > 0 {
			return c.Len.Seconds
		}
		return 0
	case LengthAuto:
		return DefaultAutoLength
	default:
		return 0
	}
}

// Estimate computes the total playable duration of a timeline in whole
// seconds, rounded up. Two passes: the first builds an alias → duration map
// from every named clip (resolving "auto" defaults as it goes); the second
// computes each clip's end time, resolving "end" lengths through the alias
// map, and takes the maximum across all tracks.
//
// Unresolvable aliases and invalid lengths fall back to DefaultAutoLength.
// A timeline with no tracks yields FallbackDuration.
func Estimate(t Timeline) int {
	if len(t.Tracks) == 0 {
		return FallbackDuration
	}

	aliases := make(map[string]float64)
	for _, track := range t.Tracks {
		for _, clip := range track.Clips {
			if clip.Alias != "" {
				aliases[clip.Alias] = clipDuration(clip)
			}
		}
	}

	maxEnd := 0.0
	sawClip := false
	for _, track := range t.Tracks {
		for _, clip := range track.Clips {
			if !clip.Start.OK {
				continue
			}
			sawClip = true

			var length float64
			switch clip.Len.Kind {
			case LengthNumber:
				length = clip.Len.Seconds
			case LengthAuto:
				length = DefaultAutoLength
			case LengthEnd:
				if d, ok := aliases[aliasRef(clip)]; ok && d > 0 {
					length = d
				} else {
					length = DefaultAutoLength
				}
			default:
				length = DefaultAutoLength
			}
			if length < 0 {
				length = 0
			}

			if end := clip.Start.Seconds + length; end > maxEnd {
				maxEnd = end
			}
		}
	}

	if !sawClip || maxEnd <= 0 {
		return FallbackDuration
	}
	return int(math.Ceil(maxEnd))
}

// EstimateJSON parses raw timeline JSON and estimates its duration.
// Any parse failure yields FallbackDuration — callers are never charged
// zero tokens for input this package could not understand.
func EstimateJSON(raw json.RawMessage) int {
	if len(raw) == 0 {
		return FallbackDuration
	}
	var t Timeline
	if err := json.Unmarshal(raw, &t); err != nil {
		return FallbackDuration
	}
	return Estimate(t)
}

// Validate reports whether raw timeline JSON meets the structural minimum
// for submission: at least one track containing at least one clip. Used by
// batch submission to skip invalid members instead of failing the batch.
func Validate(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var t Timeline
	if err := json.Unmarshal(raw, &t); err != nil {
		return false
	}
	for _, track := range t.Tracks {
		if len(track.Clips) > 0 {
			return true
		}
	}
	return false
}
