package report

import (
	"strings"
	"testing"
)

func TestParse_Frontmatter(t *testing.T) {
	content := `---
title: Basement flooding on Elm St
category: flooding
location: 123 Elm St, Springfield
occurred_at: 2026-08-21
severity: 3
tags:
  - civic
  - water
---

# Basement flooding

Water started coming in around midnight.
`

	r, err := Parse(content)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if r.Title != "Basement flooding on Elm St" {
		t.Errorf("Title = %q, want frontmatter title", r.Title)
	}
	if r.Category != "flooding" {
		t.Errorf("Category = %q, want %q", r.Category, "flooding")
	}
	if r.Location != "123 Elm St, Springfield" {
		t.Errorf("Location = %q", r.Location)
	}
	if r.OccurredAt != "2026-08-21" {
		t.Errorf("OccurredAt = %q, want date in canonical form", r.OccurredAt)
	}
	if r.Severity != "3" {
		t.Errorf("Severity = %q, want numeric hint as text", r.Severity)
	}
	if len(r.Tags) != 2 || r.Tags[0] != "civic" || r.Tags[1] != "water" {
		t.Errorf("Tags = %v", r.Tags)
	}
	if !strings.HasPrefix(r.Narrative, "# Basement flooding") {
		t.Errorf("Narrative should start after frontmatter, got %q", r.Narrative)
	}
}

func TestParse_NoFrontmatter(t *testing.T) {
	r, err := Parse("# Pothole\n\nDeep pothole on Main St near the bridge.\n")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if r.Title != "Pothole" {
		t.Errorf("Title = %q, want first h1", r.Title)
	}
	if r.Category != "" || r.Location != "" {
		t.Errorf("hints should be empty without frontmatter, got %+v", r)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty", content: ""},
		{name: "whitespace only", content: "  \n\n  "},
		{name: "bad yaml", content: "---\ncategory: [unclosed\n---\n\nBody.\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.content); err == nil {
				t.Errorf("Parse() expected error for %s", tt.name)
			}
		})
	}
}

func TestSubmission_SeedsHints(t *testing.T) {
	r, err := Parse(`---
category: flooding
location: 123 Elm St
---

Water in the basement.
`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	sub := r.Submission()
	if sub.Kind != "report" {
		t.Errorf("Kind = %q, want %q", sub.Kind, "report")
	}
	want := "Water in the basement.\n\ncategory: flooding\nlocation: 123 Elm St"
	if sub.Input != want {
		t.Errorf("Input = %q, want %q", sub.Input, want)
	}
}

func TestSubmission_NarrativeOnly(t *testing.T) {
	r, err := Parse("Just some text.\n")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := r.Submission().Input; got != "Just some text." {
		t.Errorf("Input = %q, hints block should be absent", got)
	}
}

func TestSubmission_HintsOnly(t *testing.T) {
	r, err := Parse("---\nlocation: 123 Elm St\n---\n")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := r.Submission().Input; got != "location: 123 Elm St" {
		t.Errorf("Input = %q, want bare hint line", got)
	}
}
