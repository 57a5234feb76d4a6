package dispatch

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// Structured tasks run at low temperature for deterministic extraction; chat
// runs at a conversational temperature.
const (
	tempRiskScore           = 0.2
	tempPolicySummary       = 0.3
	tempExtractPolicyNumber = 0.1
	tempProductNormalize    = 0.2
	tempChat                = 0.7
)

func taskTemperature(t TaskType) float64 {
	switch t {
	case TaskRiskScore:
		return tempRiskScore
	case TaskPolicySummary:
		return tempPolicySummary
	case TaskExtractPolicyNumber:
		return tempExtractPolicyNumber
	case TaskProductNormalize:
		return tempProductNormalize
	case TaskChat:
		return tempChat
	default:
		return tempPolicySummary
	}
}

// systemPrompts maps each task type to its fixed system-role instruction.
var systemPrompts = map[TaskType]string{
	TaskRiskScore:           "You are an insurance risk analyst. Assess the coverage gaps and risk profile of a policy. Return a valid JSON object with risk_score (0-100), risk_factors (array of strings), and reasoning. Return only JSON.",
	TaskPolicySummary:       "You are an insurance document analyst. Extract structured policy data from the document text. Return a valid JSON object; use null for fields not found in the document. Return only JSON.",
	TaskExtractPolicyNumber: "You are an insurance document analyst. Find the policy number in the document text. Return a valid JSON object with policy_number and confidence (0.0-1.0). Return only JSON.",
	TaskProductNormalize:    "You are an insurance product data specialist. Normalize a raw partner product listing into structured fields. Return a valid JSON object; use null for fields that cannot be determined. Return only JSON.",
	TaskChat:                "You are a helpful insurance advisor. Answer questions about the user's policies in plain language. Be accurate and concise; say so when you do not know.",
}

const riskScorePrompt = `Assess the risk profile of this insurance policy.

Category: %s
Provider: %s
Premium: %s
Coverage summary: %s

Document text:
%s

Return a JSON object:
{"risk_score": <0-100>, "risk_factors": ["<factor>", ...], "reasoning": "<brief explanation>"}`

const policySummaryPrompt = `Extract structured data from this insurance policy document.

Document text:
%s

Return a JSON object with these fields (null when not found):
{"policy_number": <string>, "provider": <string>, "category": <one of health|life|auto|home|liability|legal|travel|disability|other>, "premium_amount": <number, annual premium>, "coverage_summary": <string, 2-3 sentences>, "renewal_date": <YYYY-MM-DD string>}`

const extractPolicyNumberPrompt = `Find the policy number in this document.

Document text:
%s

Return a JSON object:
{"policy_number": <string or null>, "confidence": <0.0-1.0>}`

const productNormalizePrompt = `Normalize this raw insurance product listing into structured fields.

Listing name: %s
Listing provider: %s
Raw listing:
%s

Return a JSON object with these fields (null when undeterminable):
{"name": <string>, "provider": <string>, "category": <one of health|life|auto|home|liability|legal|travel|disability|other>, "price": <number, monthly price>, "coverage_summary": <string>, "benefits": [<string>, ...]}`

// buildPrompt renders the task prompt template for a structured task. Data
// fields are interpolated verbatim.
func buildPrompt(task Task) (string, error) {
	switch task.Type {
	case TaskRiskScore:
		return fmt.Sprintf(riskScorePrompt,
			dataString(task.Data, "category"),
			dataString(task.Data, "provider"),
			dataAny(task.Data, "premium_amount"),
			dataString(task.Data, "coverage_summary"),
			dataString(task.Data, "document_text"),
		), nil

	case TaskPolicySummary:
		doc := dataString(task.Data, "document_text")
		if doc == "" {
			return "", eris.New("dispatch: document_text is required")
		}
		return fmt.Sprintf(policySummaryPrompt, doc), nil

	case TaskExtractPolicyNumber:
		doc := dataString(task.Data, "document_text")
		if doc == "" {
			return "", eris.New("dispatch: document_text is required")
		}
		return fmt.Sprintf(extractPolicyNumberPrompt, doc), nil

	case TaskProductNormalize:
		return fmt.Sprintf(productNormalizePrompt,
			dataString(task.Data, "name"),
			dataString(task.Data, "provider"),
			dataString(task.Data, "raw_listing"),
		), nil

	default:
		return "", eris.Errorf("dispatch: no prompt template for task type %q", task.Type)
	}
}
