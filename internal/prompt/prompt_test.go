package prompt_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/prompt"
)

const testTemplate = `<section name="role" required>You review {{language}} code.</section>
<section name="speed" tier="fast">Be quick.</section>
<section name="depth" tier="balanced,thorough">Take your time.</section>
<section name="extra" optional>{{extra}}</section>
<section name="schema" locked>Return JSON.</section>`

func mustParse(t *testing.T, typ prompt.Type, text string) prompt.Template {
	t.Helper()
	tmpl, err := prompt.ParseTemplate(typ, text)
	require.NoError(t, err)
	return tmpl
}

func TestParseTemplate(t *testing.T) {
	tmpl := mustParse(t, prompt.TypeLevel1, testTemplate)
	assert.Len(t, tmpl.Sections, 5)
	assert.Equal(t, prompt.ModeRequired, tmpl.Sections[0].Mode)
	assert.Equal(t, prompt.ModeOptional, tmpl.Sections[1].Mode)
	assert.Equal(t, prompt.ModeLocked, tmpl.Sections[4].Mode)
	assert.Equal(t, []domain.Tier{domain.TierBalanced, domain.TierThorough}, tmpl.Sections[2].Tiers)
}

func TestParseTemplate_Errors(t *testing.T) {
	_, err := prompt.ParseTemplate(prompt.TypeLevel1, "no sections here")
	assert.Error(t, err)

	_, err = prompt.ParseTemplate(prompt.TypeLevel1, `<section required>body</section>`)
	assert.Error(t, err, "nameless section")

	_, err = prompt.ParseTemplate(prompt.TypeLevel1, `<section name="x" tier="warp">body</section>`)
	assert.Error(t, err, "unknown tier")
}

func TestBuild_TierSelection(t *testing.T) {
	tmpl := mustParse(t, prompt.TypeLevel1, testTemplate)
	values := map[string]string{"language": "Go"}

	fast, err := tmpl.Build(domain.TierFast, values)
	require.NoError(t, err)
	assert.Contains(t, fast, "Be quick.")
	assert.NotContains(t, fast, "Take your time.")

	thorough, err := tmpl.Build(domain.TierThorough, values)
	require.NoError(t, err)
	assert.NotContains(t, thorough, "Be quick.")
	assert.Contains(t, thorough, "Take your time.")
}

func TestBuild_SubstitutionAndCollapse(t *testing.T) {
	tmpl := mustParse(t, prompt.TypeLevel1, testTemplate)

	out, err := tmpl.Build(domain.TierFast, map[string]string{"language": "Go"})
	require.NoError(t, err)

	assert.Contains(t, out, "You review Go code.")
	// The optional section's placeholder was empty, so the section collapsed.
	assert.Equal(t, 3, len(strings.Split(out, "\n\n")))
	// Tags never leak into output.
	assert.NotContains(t, out, "<section")
	assert.NotContains(t, out, "</section>")
}

func TestBuild_UnknownTier(t *testing.T) {
	tmpl := mustParse(t, prompt.TypeLevel1, testTemplate)
	_, err := tmpl.Build(domain.Tier("warp"), nil)
	assert.Error(t, err)
}

func TestValidateVariant(t *testing.T) {
	base := mustParse(t, prompt.TypeLevel1, testTemplate)

	rephrased := mustParse(t, prompt.TypeLevel1, `<section name="role" required>You carefully review {{language}} source.</section>
<section name="schema" locked>Return JSON.</section>`)
	assert.NoError(t, prompt.ValidateVariant(base, rephrased))

	missingRequired := mustParse(t, prompt.TypeLevel1, `<section name="schema" locked>Return JSON.</section>`)
	assert.Error(t, prompt.ValidateVariant(base, missingRequired))

	rewroteLocked := mustParse(t, prompt.TypeLevel1, `<section name="role" required>ok</section>
<section name="schema" locked>Return YAML.</section>`)
	assert.Error(t, prompt.ValidateVariant(base, rewroteLocked))
}

func TestLibrary_BuiltinsParseAndCarrySchema(t *testing.T) {
	lib, err := prompt.NewLibrary()
	require.NoError(t, err)

	for _, typ := range []prompt.Type{
		prompt.TypeLevel1, prompt.TypeLevel2, prompt.TypeLevel3,
		prompt.TypeConsolidation, prompt.TypeOrchestration,
	} {
		tmpl, err := lib.Get(typ)
		require.NoError(t, err, "type %s", typ)

		// The output schema is always present and locked.
		names := tmpl.SectionNames(domain.TierBalanced)
		assert.Contains(t, names, "output-schema", "type %s", typ)

		out, err := tmpl.Build(domain.TierBalanced, map[string]string{
			"diff":             "diff --git a/a b/a",
			"suggestions":      "[]",
			"file_contents":    "package a",
			"related_contents": "package b",
		})
		require.NoError(t, err, "type %s", typ)
		assert.Contains(t, out, "```json")
	}
}

func TestLibrary_RequiredSectionsSurviveEveryTier(t *testing.T) {
	lib, err := prompt.NewLibrary()
	require.NoError(t, err)

	tmpl, err := lib.Get(prompt.TypeLevel1)
	require.NoError(t, err)

	for _, tier := range []domain.Tier{domain.TierFast, domain.TierBalanced, domain.TierThorough} {
		names := tmpl.SectionNames(tier)
		assert.Contains(t, names, "role", "tier %s", tier)
		assert.Contains(t, names, "diff", "tier %s", tier)
		assert.Contains(t, names, "output-schema", "tier %s", tier)
	}
}

func TestLibrary_RegisterVariant(t *testing.T) {
	lib, err := prompt.NewLibrary()
	require.NoError(t, err)

	err = lib.RegisterVariant(prompt.TypeConsolidation, `<section name="role" required>Merge findings.</section>`)
	assert.Error(t, err, "variant must keep the locked rules and schema")
}
