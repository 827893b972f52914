// Package prompt builds LLM prompts from tagged-section templates.
//
// A template is a sequence of <section> blocks. Each section carries a
// name, a mode (locked, required, or optional), and an optional tier
// list restricting which prompt tiers include it. Variants may rephrase
// required sections and omit optional ones, but locked sections travel
// unchanged and every locked and required section must be present.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
)

// Type names a prompt template family.
type Type string

const (
	TypeLevel1        Type = "level1"        // diff only
	TypeLevel2        Type = "level2"        // file context
	TypeLevel3        Type = "level3"        // cross-file context
	TypeConsolidation Type = "consolidation" // merge reviewers within a level
	TypeOrchestration Type = "orchestration" // merge across levels
)

// Mode constrains how a section may vary across template variants.
type Mode string

const (
	ModeLocked   Mode = "locked"
	ModeRequired Mode = "required"
	ModeOptional Mode = "optional"
)

// Section is one tagged block of a template.
type Section struct {
	Name    string
	Mode    Mode
	Tiers   []domain.Tier // empty means all tiers
	Content string
}

// appliesTo reports whether the section is included at the given tier.
func (s Section) appliesTo(tier domain.Tier) bool {
	if len(s.Tiers) == 0 {
		return true
	}
	for _, t := range s.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Template is an ordered list of sections for one prompt type.
type Template struct {
	Type     Type
	Sections []Section
}

var (
	sectionRegex = regexp.MustCompile(`(?s)<section\s+([^>]*)>(.*?)</section>`)
	attrRegex    = regexp.MustCompile(`(\w+)(?:="([^"]*)")?`)
	placeholder  = regexp.MustCompile(`\{\{(\w+)\}\}`)
)

// ParseTemplate parses tagged-section text into a Template. Sections
// keep their declared order. Unattributed sections default to optional.
func ParseTemplate(typ Type, text string) (Template, error) {
	matches := sectionRegex.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return Template{}, fmt.Errorf("template %s has no sections", typ)
	}

	tmpl := Template{Type: typ}
	for _, m := range matches {
		sec := Section{Mode: ModeOptional, Content: strings.TrimSpace(m[2])}
		for _, attr := range attrRegex.FindAllStringSubmatch(m[1], -1) {
			key, value := attr[1], attr[2]
			switch key {
			case "name":
				sec.Name = value
			case "locked":
				sec.Mode = ModeLocked
			case "required":
				sec.Mode = ModeRequired
			case "optional":
				sec.Mode = ModeOptional
			case "tier":
				for _, t := range strings.Split(value, ",") {
					tier := domain.Tier(strings.TrimSpace(t))
					if !domain.ValidTier(tier) {
						return Template{}, fmt.Errorf("template %s section %q: unknown tier %q", typ, sec.Name, t)
					}
					sec.Tiers = append(sec.Tiers, tier)
				}
			}
		}
		if sec.Name == "" {
			return Template{}, fmt.Errorf("template %s has a nameless section", typ)
		}
		tmpl.Sections = append(tmpl.Sections, sec)
	}

	return tmpl, nil
}

// section returns the named section, if present.
func (t Template) section(name string) (Section, bool) {
	for _, s := range t.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// ValidateVariant checks a concrete variant against its base template:
// every locked and required section of the base must be present, and
// locked content must match the base byte-for-byte.
func ValidateVariant(base, variant Template) error {
	for _, sec := range base.Sections {
		switch sec.Mode {
		case ModeLocked:
			got, ok := variant.section(sec.Name)
			if !ok {
				return fmt.Errorf("variant %s omits locked section %q", variant.Type, sec.Name)
			}
			if got.Content != sec.Content {
				return fmt.Errorf("variant %s rewrites locked section %q", variant.Type, sec.Name)
			}
		case ModeRequired:
			if _, ok := variant.section(sec.Name); !ok {
				return fmt.Errorf("variant %s omits required section %q", variant.Type, sec.Name)
			}
		}
	}
	return nil
}

// Build renders the template at a tier with placeholder values.
// Sections outside the tier are skipped, sections whose substituted
// content is empty collapse, and the rest concatenate in declared order
// with the tags stripped.
func (t Template) Build(tier domain.Tier, values map[string]string) (string, error) {
	if !domain.ValidTier(tier) {
		return "", fmt.Errorf("unknown tier %q", tier)
	}

	var parts []string
	for _, sec := range t.Sections {
		if !sec.appliesTo(tier) {
			continue
		}
		content := substitute(sec.Content, values)
		if strings.TrimSpace(content) == "" {
			continue
		}
		parts = append(parts, content)
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("template %s rendered empty at tier %s", t.Type, tier)
	}

	return strings.Join(parts, "\n\n"), nil
}

// SectionNames returns the names of sections included at the tier, in order.
func (t Template) SectionNames(tier domain.Tier) []string {
	var names []string
	for _, sec := range t.Sections {
		if sec.appliesTo(tier) {
			names = append(names, sec.Name)
		}
	}
	return names
}

// substitute replaces {{name}} placeholders with caller values.
// Unknown placeholders substitute to the empty string.
func substitute(content string, values map[string]string) string {
	return placeholder.ReplaceAllStringFunc(content, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		return values[name]
	})
}
