package assembler

// TokenCounter estimates token cost from byte length. The heuristic is the
// usual ~4 characters per token; placement decisions only need relative cost,
// so calibration drift is tolerable as long as it is deterministic.
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a counter; charsPerToken <= 0 selects the default.
func NewTokenCounter(charsPerToken float64) *TokenCounter {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &TokenCounter{charsPerToken: charsPerToken}
}

// CountBytes estimates tokens for a blob of n bytes.
func (tc *TokenCounter) CountBytes(n int64) int {
	if n <= 0 {
		return 0
	}
	return int(float64(n) / tc.charsPerToken)
}

// CountString estimates tokens in s.
func (tc *TokenCounter) CountString(s string) int {
	return tc.CountBytes(int64(len(s)))
}
