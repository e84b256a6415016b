package telegram

import "strings"

const (
	// maxMessageLen is the per-message character budget, kept under the
	// Bot API's 4096 limit to leave headroom for headers.
	maxMessageLen = 3500

	// newlineSearchFloor is how far back a chunk boundary may retreat to
	// land on a newline before falling back to a hard split.
	newlineSearchFloor = 3000
)

// splitMessage cuts text into send-sized chunks. Each cut prefers the
// last newline inside the budget, as long as that keeps the chunk above
// the search floor; otherwise it splits hard at the budget.
func splitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = maxMessageLen
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if i := strings.LastIndexByte(text[:limit], '\n'); i > newlineSearchFloor*limit/maxMessageLen {
			cut = i
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" || len(chunks) == 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
