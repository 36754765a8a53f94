package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openonco/coverage-cli/internal/model"
)

func TestParseExtraction(t *testing.T) {
	reply := `{
		"criteria_section": "Covered when Stage II-III CRC, post-surgery.",
		"codes": ["81479", "0340U"],
		"policy_number": "MOL-204",
		"assertions": [
			{"test_id": "ctdna-mrd", "layer": "um_criteria", "status": "conditional", "confidence": 0.9, "snippet": "Covered when Stage II-III CRC"}
		]
	}`

	ext, err := ParseExtraction(reply)
	require.NoError(t, err)
	assert.Equal(t, "MOL-204", ext.PolicyNumber)
	assert.Equal(t, []string{"81479", "0340U"}, ext.Codes)
	require.Len(t, ext.Assertions, 1)
	assert.Equal(t, model.LayerUMCriteria, ext.Assertions[0].Layer)
	assert.Equal(t, model.StatusConditional, ext.Assertions[0].Status)
}

func TestParseExtractionStripsCodeFences(t *testing.T) {
	ext, err := ParseExtraction("```json\n{\"policy_number\": \"GEN-7\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "GEN-7", ext.PolicyNumber)
}

func TestParseExtractionEmptyObjectIsValid(t *testing.T) {
	// "Not a coverage policy" comes back as {} and must not be an error.
	ext, err := ParseExtraction("{}")
	require.NoError(t, err)
	assert.Empty(t, ext.CriteriaSection)
	assert.Empty(t, ext.Assertions)
}

func TestParseExtractionRejectsGarbage(t *testing.T) {
	_, err := ParseExtraction("I could not find any coverage criteria.")
	assert.Error(t, err)

	_, err = ParseExtraction("")
	assert.Error(t, err)
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(ExtractRequest{
		PayerID: "aetna",
		DocType: "um_criteria",
		Content: "Coverage Criteria: ...",
	})
	assert.Contains(t, p, "Payer: aetna")
	assert.Contains(t, p, "Expected document type: um_criteria")
	assert.Contains(t, p, "Coverage Criteria: ...")
}
