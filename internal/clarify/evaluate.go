package clarify

import (
	"fmt"
	"slices"

	"casework/internal/api"
)

// DefaultThreshold is the confidence a field must reach to need no
// clarification.
const DefaultThreshold = 0.9

// Doubt is one extracted field whose confidence fell below the threshold,
// paired with the question to ask about it.
type Doubt struct {
	Field      string
	Value      string
	Confidence float64
	Agent      string
	Question   string
}

// Evaluate returns the fields below the threshold, most doubtful first.
// Equal confidences tie-break on field name so rounds are deterministic.
func Evaluate(fields []api.Field, threshold float64) []Doubt {
	var doubts []Doubt
	for _, f := range fields {
		if f.Confidence >= threshold {
			continue
		}
		doubts = append(doubts, Doubt{
			Field:      f.Name,
			Value:      f.Value,
			Confidence: f.Confidence,
			Agent:      f.Agent,
			Question:   questionFor(f.Name, f.Value),
		})
	}
	slices.SortFunc(doubts, func(a, b Doubt) int {
		if a.Confidence != b.Confidence {
			if a.Confidence < b.Confidence {
				return -1
			}
			return 1
		}
		if a.Field < b.Field {
			return -1
		}
		if a.Field > b.Field {
			return 1
		}
		return 0
	})
	return doubts
}

// questionByField holds tailored questions for the fields the extraction
// agents commonly produce.
var questionByField = map[string]string{
	"location":    "Where exactly did this happen? A street, intersection or landmark helps.",
	"occurred_at": "When did this happen? A date, or something like \"last Tuesday evening\".",
	"category":    "What kind of issue is this? For example: flooding, outage, road damage.",
	"severity":    "How severe is the situation? Minor, moderate, or urgent?",
	"reporter":    "Who is reporting this? A name or contact helps with follow-up.",
}

func questionFor(field, value string) string {
	if q, ok := questionByField[field]; ok {
		if value != "" {
			return fmt.Sprintf("%s (best guess so far: %q)", q, value)
		}
		return q
	}
	if value != "" {
		return fmt.Sprintf("The value %q for %s is uncertain. Can you confirm or correct it?", value, field)
	}
	return fmt.Sprintf("No reliable value was found for %s. Can you provide it?", field)
}
