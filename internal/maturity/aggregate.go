package maturity

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Answers maps a flat question id (p1..p41) to the raw stored value.
type Answers map[string]any

type CategoryScore struct {
	CategoryID   int     `json:"category_id"`
	CategoryName string  `json:"category"`
	Subtotal     float64 `json:"score"`
}

type Summary struct {
	PerCategory []CategoryScore `json:"categories"`
	TotalScore  float64         `json:"total_score"`
}

// Aggregate sums answers per category and the grand total. Missing and
// non-numeric values count as zero; ids outside the given categories are
// ignored. Negative values are kept as-is.
func Aggregate(answers Answers, categories []Category) Summary {
	out := Summary{PerCategory: make([]CategoryScore, 0, len(categories))}
	for _, c := range categories {
		subtotal := 0.0
		for _, id := range c.QuestionIDs() {
			subtotal += Coerce(answers[id])
		}
		out.PerCategory = append(out.PerCategory, CategoryScore{
			CategoryID:   c.ID,
			CategoryName: c.Name,
			Subtotal:     subtotal,
		})
	}

	total := 0.0
	for _, cs := range out.PerCategory {
		total += cs.Subtotal
	}
	out.TotalScore = total
	return out
}

// Score aggregates over the scoring categories (2..9).
func Score(answers Answers) Summary {
	return Aggregate(answers, ScoringCategories())
}

// Coerce converts a raw answer into its numeric contribution.
func Coerce(v any) float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		f = n
	default:
		return 0
	}
	if !isFinite(f) {
		return 0
	}
	return f
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
