package chat

import (
	"strings"

	"github.com/hannamed/ma-api/internal/agent"
)

// Classifier derives a rendering hint from assistant output.
type Classifier func(content string) MessageType

// variationSelector is dropped before matching; models emit the shield
// emoji with and without it.
const variationSelector = "\ufe0f"

// ClassifyByMarkers inspects the literal headers and glyphs the system
// prompt requires. Anything it does not recognise is TEXT.
func ClassifyByMarkers(content string) MessageType {
	text := strings.ReplaceAll(content, variationSelector, "")
	batch := strings.Contains(text, agent.MarkerBatchSeparator)

	summaries := strings.Count(text, strings.ReplaceAll(agent.MarkerSummary, variationSelector, ""))
	insurance := strings.Count(text, strings.ReplaceAll(agent.MarkerInsurance, variationSelector, ""))

	switch {
	case summaries > 0:
		if batch || summaries > 1 {
			return TypeBatchPatientSummary
		}
		return TypePatientSummary
	case insurance > 0:
		if batch || insurance > 1 {
			return TypeBatchPatientInsurance
		}
		return TypePatientInsurance
	case strings.Contains(text, agent.MarkerTreeBranch), strings.Contains(text, agent.MarkerTreeLast):
		return TypePatientList
	default:
		return TypeText
	}
}
