package responder

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn. ID ties a stored turn to the job that produced it, so a
// redelivered job does not store or generate it twice.
type Message struct {
	ID      string
	Role    Role
	Content string
	At      time.Time
}

type storedMessage struct {
	ID        string `json:"id,omitempty"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(storedMessage{ID: m.ID, Role: m.Role, Content: m.Content, Timestamp: m.At.UnixMilli()})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var s storedMessage
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*m = Message{ID: s.ID, Role: s.Role, Content: s.Content, At: time.UnixMilli(s.Timestamp).UTC()}
	return nil
}

// BuildPrompt prepends the system prompt to the user and assistant turns of history.
func BuildPrompt(system string, history []Message) []Message {
	out := make([]Message, 0, len(history)+1)
	if system != "" {
		out = append(out, Message{Role: RoleSystem, Content: system})
	}
	for _, m := range history {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}
