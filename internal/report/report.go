// Package report parses incident report files into pipeline submissions.
package report

import (
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"casework/internal/api"
	"casework/internal/job"
)

// Report is a parsed incident report file: a markdown narrative with optional
// YAML frontmatter carrying field hints.
type Report struct {
	// Title from frontmatter or the first h1
	Title string

	// Field hints from frontmatter
	Category   string
	Location   string
	OccurredAt string
	Severity   string

	Tags []string

	// Narrative content (after frontmatter)
	Narrative string
}

var h1Regex = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// ParseFile reads and parses a report file.
func ParseFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	r, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return r, nil
}

// Parse parses report file content into structured form. Frontmatter is
// optional; a file with neither narrative nor field hints is rejected.
func Parse(content string) (*Report, error) {
	fm := make(map[string]any)

	// Parse frontmatter if present
	remaining := content
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx > 0 {
			frontmatterYAML := content[4 : 4+endIdx]
			remaining = strings.TrimPrefix(content[4+endIdx+4:], "\n")

			if err := yaml.Unmarshal([]byte(frontmatterYAML), &fm); err != nil {
				return nil, fmt.Errorf("parse frontmatter: %w", err)
			}
		}
	}

	r := &Report{
		Category:   fmScalar(fm, "category"),
		Location:   fmScalar(fm, "location"),
		OccurredAt: fmScalar(fm, "occurred_at"),
		Severity:   fmScalar(fm, "severity"),
		Tags:       fmStrings(fm, "tags"),
		Narrative:  strings.TrimSpace(remaining),
	}
	r.Title = extractTitle(fm, r.Narrative)

	if r.Narrative == "" && len(r.hints()) == 0 {
		return nil, fmt.Errorf("report has no content")
	}
	return r, nil
}

// Submission builds the pipeline submission for the report. Field hints become
// "field: value" lines after the narrative, the same shape clarification
// answers take, so the pipeline reads both the same way.
func (r *Report) Submission() api.Submission {
	hints := r.hints()

	var b strings.Builder
	b.WriteString(r.Narrative)
	if len(hints) > 0 {
		if r.Narrative != "" {
			b.WriteString("\n\n")
		}
		for i, f := range slices.Sorted(maps.Keys(hints)) {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(f)
			b.WriteString(": ")
			b.WriteString(hints[f])
		}
	}

	return api.Submission{
		Kind:  string(job.KindReport),
		Input: b.String(),
		Tags:  r.Tags,
	}
}

func (r *Report) hints() map[string]string {
	hints := make(map[string]string, 4)
	for field, val := range map[string]string{
		"category":    r.Category,
		"location":    r.Location,
		"occurred_at": r.OccurredAt,
		"severity":    r.Severity,
	} {
		if val != "" {
			hints[field] = val
		}
	}
	return hints
}

// extractTitle gets title from frontmatter or the first h1.
func extractTitle(fm map[string]any, content string) string {
	if title, ok := fm["title"].(string); ok && title != "" {
		return title
	}
	if match := h1Regex.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// fmScalar extracts a scalar frontmatter value as a string. YAML decodes
// unquoted dates into time.Time and bare numbers into ints, so those come
// back in their canonical text form.
func fmScalar(fm map[string]any, key string) string {
	switch v := fm[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 {
			return v.Format("2006-01-02")
		}
		return v.Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// fmStrings extracts a string slice frontmatter value.
func fmStrings(fm map[string]any, key string) []string {
	switch v := fm[key].(type) {
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
