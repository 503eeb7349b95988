// Package prompt assembles agent prompts from a template and prioritized
// sections under a token ceiling.
//
// Templates reference sections through {{name}} placeholders. When the
// assembled prompt would exceed the ceiling, optional sections are shed
// first, then important sections are truncated with a visible marker.
// Required sections are never dropped or cut.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Section priorities, in shedding order: optional goes first, important is
// truncated next, required is always kept intact.
const (
	PriorityRequired  = "required"
	PriorityImportant = "important"
	PriorityOptional  = "optional"
)

// TruncationMarker is appended wherever section content was cut.
const TruncationMarker = "[...truncated...]"

// Section is a named block of prompt content with a shedding priority.
type Section struct {
	Name     string
	Content  string
	Priority string
}

// Assembled is the result of a successful assembly.
type Assembled struct {
	// Prompt is the final rendered text.
	Prompt string

	// TokenCount is the estimate for Prompt (ceil(bytes/4)).
	TokenCount int

	// Sections lists the names that survived into the output, in template
	// order.
	Sections []string

	// Truncated is true iff any section was dropped or cut.
	Truncated bool
}

var rePlaceholder = regexp.MustCompile(`\{\{([a-zA-Z0-9_-]+)\}\}`)

// EstimateTokens estimates the token count of text as ceil(bytes/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Assemble renders template with sections, shedding content as needed to
// stay under tokenCeiling. A ceiling <= 0 means unlimited. Placeholders with
// no matching section render as empty. Sections never referenced by the
// template are ignored.
func Assemble(template string, sections []Section, tokenCeiling int) (Assembled, error) {
	byName := make(map[string]*Section, len(sections))
	for i := range sections {
		s := &sections[i]
		switch s.Priority {
		case PriorityRequired, PriorityImportant, PriorityOptional:
		default:
			return Assembled{}, fmt.Errorf("prompt: section %q has invalid priority %q", s.Name, s.Priority)
		}
		if _, dup := byName[s.Name]; dup {
			return Assembled{}, fmt.Errorf("prompt: duplicate section %q", s.Name)
		}
		byName[s.Name] = s
	}

	// Referenced section names in template order.
	var order []string
	seen := map[string]bool{}
	for _, m := range rePlaceholder.FindAllStringSubmatch(template, -1) {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}

	// content holds the working copy of each referenced section's text.
	content := make(map[string]string, len(order))
	for _, name := range order {
		if s, ok := byName[name]; ok {
			content[name] = s.Content
		}
	}

	render := func() string {
		return rePlaceholder.ReplaceAllStringFunc(template, func(ph string) string {
			name := rePlaceholder.FindStringSubmatch(ph)[1]
			return content[name]
		})
	}

	truncated := false
	out := render()

	if tokenCeiling > 0 && EstimateTokens(out) > tokenCeiling {
		// Shed optional sections, last referenced first.
		for i := len(order) - 1; i >= 0 && EstimateTokens(out) > tokenCeiling; i-- {
			name := order[i]
			s, ok := byName[name]
			if !ok || s.Priority != PriorityOptional || content[name] == "" {
				continue
			}
			content[name] = ""
			truncated = true
			out = render()
		}

		// Truncate important sections, last referenced first, keeping a marker.
		for i := len(order) - 1; i >= 0 && EstimateTokens(out) > tokenCeiling; i-- {
			name := order[i]
			s, ok := byName[name]
			if !ok || s.Priority != PriorityImportant || content[name] == "" {
				continue
			}
			overBytes := (EstimateTokens(out) - tokenCeiling) * 4
			body := content[name]
			keep := len(body) - overBytes - len(TruncationMarker)
			if keep < 0 {
				keep = 0
			}
			content[name] = body[:keep] + TruncationMarker
			truncated = true
			out = render()
		}
	}

	var included []string
	for _, name := range order {
		if content[name] != "" {
			included = append(included, name)
		}
	}

	return Assembled{
		Prompt:     out,
		TokenCount: EstimateTokens(out),
		Sections:   included,
		Truncated:  truncated,
	}, nil
}

// Render is a convenience for templates with no ceiling pressure: all
// sections are treated as required and rendered in full.
func Render(template string, sections []Section) (string, error) {
	for i := range sections {
		if sections[i].Priority == "" {
			sections[i].Priority = PriorityRequired
		}
	}
	a, err := Assemble(template, sections, 0)
	if err != nil {
		return "", err
	}
	return a.Prompt, nil
}

// JoinSections builds a simple template that lays out the given sections in
// order, each under a markdown heading. Used by callers that have sections
// but no pack template.
func JoinSections(sections []Section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n{{%s}}", s.Name, s.Name)
	}
	return b.String()
}
