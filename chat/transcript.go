package chat

import (
	"strings"

	"rag.evalgo.org/common"
	"rag.evalgo.org/db"
	"rag.evalgo.org/provider"
)

// contextMarker prefixes the synthetic system block carrying retrieval
// results. Clients and prompts key off this exact string.
const contextMarker = "CONTEXT:\n"

// historyShare is the fraction of the context window history may occupy.
const historyShare = 0.5

// transcript is the assembled provider input for one run.
type transcript struct {
	system        string
	systemTokens  int
	history       []provider.Message
	historyTokens int
}

// buildTranscript converts persisted messages into provider turns, capping
// history at half the context window by dropping the oldest turns first. The
// system prompt and the retrieval context block are never dropped.
func buildTranscript(conv *db.Conversation, history []*db.Message, defaultSystem, contextBlock string, window int) transcript {
	system := strings.TrimSpace(conv.SystemPrompt)
	if system == "" {
		system = defaultSystem
	}
	if contextBlock != "" {
		if system != "" {
			system += "\n\n"
		}
		system += contextMarker + contextBlock
	}

	budget := int(float64(window) * historyShare)
	var turns []provider.Message
	total := 0
	// Walk newest to oldest so the cap drops the oldest turns.
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != db.MessageRoleUser && msg.Role != db.MessageRoleAssistant {
			continue
		}
		if msg.Content == "" || msg.Status == db.MessageStatusError {
			continue
		}
		tokens := common.EstimateTokens(msg.Content)
		if total+tokens > budget {
			break
		}
		total += tokens
		turns = append(turns, provider.Message{Role: msg.Role, Content: msg.Content})
	}
	// Reverse back into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	return transcript{
		system:        system,
		systemTokens:  common.EstimateTokens(system),
		history:       turns,
		historyTokens: total,
	}
}
