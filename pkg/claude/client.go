// Package claude extracts structured coverage evidence from policy documents
// using the Anthropic API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openonco/coverage-cli/internal/model"
)

// Client defines the extraction operations used by the refresh pipeline.
type Client interface {
	ExtractPolicy(ctx context.Context, req ExtractRequest) (*Extraction, error)
}

// ExtractRequest carries one document to extract from.
type ExtractRequest struct {
	PayerID string
	Content string
	DocType string // hint: policy_stance, um_criteria, lbm_guideline
}

// Extraction is the structured output of one extraction call. Every field is
// optional: a document the model cannot parse yields an empty extraction, not
// an error, and hashing falls back to heuristic slicing.
type Extraction struct {
	CriteriaSection string               `json:"criteria_section,omitempty"`
	Codes           []string             `json:"codes,omitempty"`
	EffectiveDate   string               `json:"effective_date,omitempty"`
	PolicyNumber    string               `json:"policy_number,omitempty"`
	DocumentTitle   string               `json:"document_title,omitempty"`
	Assertions      []CandidateAssertion `json:"assertions,omitempty"`
}

// CandidateAssertion is one model-proposed coverage claim, validated and
// persisted by the pipeline, never trusted blindly.
type CandidateAssertion struct {
	TestID     string       `json:"test_id"`
	Layer      model.Layer  `json:"layer"`
	Status     model.Status `json:"status"`
	Confidence float64      `json:"confidence"`
	Snippet    string       `json:"snippet,omitempty"`
}

const extractionSystemPrompt = `You extract structured facts from health insurance policy documents about molecular diagnostic test coverage.

Respond with a single JSON object and nothing else:
{
  "criteria_section": "verbatim text of the coverage criteria / medical necessity section",
  "codes": ["CPT, PLA, and HCPCS codes referenced"],
  "effective_date": "as printed, if present",
  "policy_number": "as printed, if present",
  "document_title": "as printed, if present",
  "assertions": [
    {
      "test_id": "canonical test identifier",
      "layer": "policy_stance | um_criteria | lbm_guideline | delegation_routing",
      "status": "supports | restricts | denies | conditional | unknown",
      "confidence": 0.0,
      "snippet": "verbatim quote supporting the claim"
    }
  ]
}

Omit any field you cannot determine. Snippets must be verbatim quotes from the document. If the document is not a coverage policy, respond with {}.`

// Options configures the SDK-backed client.
type Options struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// SDKClient implements Client using the official anthropic-sdk-go.
type SDKClient struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewClient creates an extraction client backed by the SDK.
func NewClient(opts Options) *SDKClient {
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5-20250929"
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	return &SDKClient{
		client: sdk.NewClient(
			option.WithAPIKey(opts.APIKey),
		),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
	}
}

// ExtractPolicy runs one extraction call and parses the JSON reply.
func (c *SDKClient) ExtractPolicy(ctx context.Context, req ExtractRequest) (*Extraction, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, eris.Wrap(model.ErrInvalidInput, "claude: empty document")
	}

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: extractionSystemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(buildPrompt(req))),
		},
		Temperature: sdk.Float(0),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "claude: extract policy for %s", req.PayerID)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	ext, err := ParseExtraction(text.String())
	if err != nil {
		return nil, err
	}

	zap.L().Debug("extraction complete",
		zap.String("payer_id", req.PayerID),
		zap.Int("codes", len(ext.Codes)),
		zap.Int("assertions", len(ext.Assertions)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)
	return ext, nil
}

func buildPrompt(req ExtractRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payer: %s\n", req.PayerID)
	if req.DocType != "" {
		fmt.Fprintf(&b, "Expected document type: %s\n", req.DocType)
	}
	b.WriteString("\nDocument:\n\n")
	b.WriteString(req.Content)
	return b.String()
}

// ParseExtraction parses the model reply, tolerating markdown code fences.
// An empty JSON object is a valid result meaning "nothing extractable".
func ParseExtraction(reply string) (*Extraction, error) {
	cleaned := strings.TrimSpace(reply)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return nil, eris.New("claude: empty extraction reply")
	}

	var ext Extraction
	if err := json.Unmarshal([]byte(cleaned), &ext); err != nil {
		return nil, eris.Wrap(err, "claude: parse extraction reply")
	}
	return &ext, nil
}
