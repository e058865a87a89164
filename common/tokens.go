package common

// EstimateTokens approximates the token count of a text using the usual
// 4-characters-per-token heuristic. Exact counts depend on the model
// tokenizer, which we do not ship; the estimate is only used for context
// budgeting and chunk statistics.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
