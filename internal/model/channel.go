package model

import (
	"fmt"
	"slices"
	"time"

	"teamchat/internal/docstore"
)

// Channel is a named group conversation.
type Channel struct {
	ID          string
	Name        string
	Description string
	Members     []string
}

// HasMember reports whether userID belongs to the channel.
func (c Channel) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// ChannelFromDocument decodes a channel document.
func ChannelFromDocument(doc docstore.Document) (Channel, error) {
	if doc.Kind != docstore.KindChannel {
		return Channel{}, fmt.Errorf("document %s is a %q, not a channel", doc.ID, doc.Kind)
	}
	return Channel{
		ID:          doc.ID,
		Name:        doc.Fields.String("name"),
		Description: doc.Fields.String("description"),
		Members:     doc.Fields.Strings("members"),
	}, nil
}

// Message is a chat line. Kind tells channel messages, direct messages and
// thread replies apart.
type Message struct {
	ID        string
	Kind      docstore.Kind
	Text      string
	Sender    string
	ChannelID string
	// Participants is set for direct messages only.
	Participants []string
	Timestamp    time.Time
	Reactions    map[string][]string
}

// MessageFromDocument decodes any message-like document.
func MessageFromDocument(doc docstore.Document) (Message, error) {
	switch doc.Kind {
	case docstore.KindMessage, docstore.KindDirectMessage, docstore.KindThread:
	default:
		return Message{}, fmt.Errorf("document %s is a %q, not a message", doc.ID, doc.Kind)
	}
	msg := Message{
		ID:           doc.ID,
		Kind:         doc.Kind,
		Text:         doc.Fields.String("message"),
		Sender:       doc.Fields.String("sender"),
		ChannelID:    doc.Fields.String("channelId"),
		Participants: doc.Fields.Strings("participants"),
	}
	if ts, ok := doc.Fields.Time("timestamp"); ok {
		msg.Timestamp = ts
	}
	if raw, ok := doc.Fields["reactions"].(map[string]any); ok {
		msg.Reactions = make(map[string][]string, len(raw))
		for emoji := range raw {
			msg.Reactions[emoji] = docstore.Fields(raw).Strings(emoji)
		}
	}
	return msg, nil
}

// Partner returns the other participant of a direct message from self's
// point of view.
func (m Message) Partner(self string) string {
	for _, p := range m.Participants {
		if p != self {
			return p
		}
	}
	return self
}
