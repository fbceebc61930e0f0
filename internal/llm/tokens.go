package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encMu     sync.Mutex
	encodings = map[string]*tiktoken.Tiktoken{}
)

// CountTokens returns the token count of text for model. Models unknown to
// tiktoken use cl100k_base; if no encoding can be loaded the count is
// estimated at four characters per token.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

func encodingFor(model string) *tiktoken.Tiktoken {
	encMu.Lock()
	defer encMu.Unlock()

	if enc, ok := encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		enc = nil
	}
	encodings[model] = enc
	return enc
}
