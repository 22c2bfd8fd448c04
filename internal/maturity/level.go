package maturity

import "math"

type Level string

const (
	LevelInitial          Level = "Initial"
	LevelIntermediateLow  Level = "Intermediate (Low)"
	LevelIntermediateHigh Level = "Intermediate (High)"
	LevelMature           Level = "Mature"
	LevelAdvanced         Level = "Advanced"
	LevelUnknown          Level = "Unknown"
)

// Band is a closed score interval. Max is +Inf for the top band.
type Band struct {
	Level Level   `json:"level"`
	Min   float64 `json:"min"`
	Max   float64 `json:"-"`
	Color string  `json:"color"`
}

// Bands are ordered and partition [0, +Inf). Charts read colors from here so
// thresholds and colors change together.
var Bands = []Band{
	{Level: LevelInitial, Min: 0, Max: 1000, Color: "#dc3545"},
	{Level: LevelIntermediateLow, Min: 1001, Max: 2000, Color: "#fd7e14"},
	{Level: LevelIntermediateHigh, Min: 2001, Max: 3000, Color: "#ffc107"},
	{Level: LevelMature, Min: 3001, Max: 3500, Color: "#20c997"},
	{Level: LevelAdvanced, Min: 3501, Max: math.Inf(1), Color: "#198754"},
}

const unknownColor = "#6c757d"

// Classify maps a total score onto a band. Scores are compared against the
// upper bound of each band so fractional totals between two integer ranges
// (e.g. 1000.5) land in the higher band instead of falling through a gap.
func Classify(totalScore float64) Level {
	if math.IsNaN(totalScore) || totalScore < 0 {
		return LevelUnknown
	}
	for _, b := range Bands {
		if totalScore <= b.Max {
			return b.Level
		}
	}
	return LevelUnknown
}

func (l Level) Color() string {
	for _, b := range Bands {
		if b.Level == l {
			return b.Color
		}
	}
	return unknownColor
}

// Rank orders levels for sorting and comparisons; Unknown ranks lowest.
func (l Level) Rank() int {
	for i, b := range Bands {
		if b.Level == l {
			return i + 1
		}
	}
	return 0
}

func (b Band) MaxScore() *float64 {
	if math.IsInf(b.Max, 1) {
		return nil
	}
	v := b.Max
	return &v
}
