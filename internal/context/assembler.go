package context

import "github.com/stupiduntilnot/chatrelay/internal/domain"

// StandardAssembler orders persona, history, participant notes and the new
// message into a single prompt.
type StandardAssembler struct {
	// PersonaRole is the role of the persona message, RoleSystem when empty.
	PersonaRole string
}

// Assemble builds persona + attributed history + participant notes + new message.
// Each non-sentinel participant gets at most one note, emitted the first time
// they appear and only when something is known about them.
func (a *StandardAssembler) Assemble(persona string, history []Turn, speaker domain.Participant, text string) []Message {
	messages := make([]Message, 0, len(history)+3)
	messages = append(messages, a.persona(persona))

	described := map[string]bool{}
	for _, turn := range history {
		if turn.Participant.IsSentinel() {
			messages = append(messages, Message{Role: RoleAssistant, Content: turn.Text})
			continue
		}
		messages = appendNote(messages, described, turn.Participant)
		messages = append(messages, Attribute(turn.Participant, turn.Text))
	}
	messages = appendNote(messages, described, speaker)
	messages = append(messages, Attribute(speaker, text))
	return messages
}

// AssembleWindow builds the prompt for ephemeral mode. An empty window starts
// from the persona; otherwise the stored window already leads with it.
func (a *StandardAssembler) AssembleWindow(persona string, window []Message, speaker domain.Participant, text string) []Message {
	if len(window) == 0 {
		messages := []Message{a.persona(persona)}
		messages = appendNote(messages, map[string]bool{}, speaker)
		return append(messages, Attribute(speaker, text))
	}
	messages := make([]Message, 0, len(window)+1)
	messages = append(messages, window...)
	return append(messages, Attribute(speaker, text))
}

// Attribute renders a user message prefixed with the speaker's name.
func Attribute(p domain.Participant, text string) Message {
	return Message{Role: RoleUser, Content: p.Name() + " said: " + text}
}

func (a *StandardAssembler) persona(text string) Message {
	role := a.PersonaRole
	if role != RoleAssistant {
		role = RoleSystem
	}
	return Message{Role: role, Content: text}
}

func appendNote(messages []Message, described map[string]bool, p domain.Participant) []Message {
	if p.IsSentinel() || described[p.Username] {
		return messages
	}
	described[p.Username] = true
	note := p.Describe()
	if note == "" {
		return messages
	}
	return append(messages, Message{Role: RoleSystem, Content: note})
}
