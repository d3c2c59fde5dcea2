package prompts

import "fmt"

// dataAnalysisTemplate frames a data-mode question. The first format verb
// is the grounding context, the second the user's question.
const dataAnalysisTemplate = `You are a data analyst for a manufacturing operation. Answer the question using only the records below. Records are grouped by source table and listed newest first.

If the records do not contain enough information to answer, say so plainly instead of guessing. Quote concrete values (dates, quantities, identifiers) when they support the answer.

Records:
%s

Question: %s`

// DataAnalysis returns the combined instruction for a data-mode request.
func DataAnalysis(context, question string) string {
	return fmt.Sprintf(dataAnalysisTemplate, context, question)
}
