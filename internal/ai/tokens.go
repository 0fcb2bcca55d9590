package ai

// Token estimation heuristic shared by the rate ledger, summarizer and
// answer generator: 1 token per 4 characters.
const tokensPerChar = 0.25

// EstimateTokens returns the estimated token count for a text.
func EstimateTokens(text string) int {
	n := int(float64(len(text)) * tokensPerChar)
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}

// EstimateTokensAll sums the estimate over several texts.
func EstimateTokensAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += EstimateTokens(t)
	}
	return total
}
