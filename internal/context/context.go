package context

import "github.com/stupiduntilnot/chatrelay/internal/domain"

// Turn is one durable history row paired with its author.
type Turn struct {
	Participant domain.Participant
	Text        string
}

// PromptAssembler builds the ordered message list sent to the model.
type PromptAssembler interface {
	Assemble(persona string, history []Turn, speaker domain.Participant, text string) []Message
	AssembleWindow(persona string, window []Message, speaker domain.Participant, text string) []Message
}

// ConversationWindow is the per-participant in-memory history.
type ConversationWindow interface {
	Get(participantID string) ([]Message, bool)
	Reset(participantID string)
	RecordExchange(participantID string, persona, user, assistant Message)
}
