package IO

import (
	"fmt"
	"os"
	"unicode/utf8"
)

// ReadCorpus loads a UTF-8 text file.
func ReadCorpus(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("IO: read corpus: %w", err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("IO: %s is not valid UTF-8", path)
	}
	return string(raw), nil
}

// SplitCorpus keeps the first (1-valFrac) runes for training and returns the tail
// as the held-out text. valFrac <= 0 returns an empty tail.
func SplitCorpus(text string, valFrac float64) (train, val string) {
	if valFrac <= 0 {
		return text, ""
	}
	rs := []rune(text)
	cut := len(rs) - int(float64(len(rs))*valFrac)
	return string(rs[:cut]), string(rs[cut:])
}
