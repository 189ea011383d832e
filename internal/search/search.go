// Package search filters the client's cached users, channels and messages.
package search

import (
	"strings"

	"teamchat/internal/docstore"
	"teamchat/internal/model"
)

// Corpus is the data a search runs over, as seen by SelfID.
type Corpus struct {
	SelfID   string
	Users    []model.User
	Channels []model.Channel
	Messages []model.Message
}

// Result is one hit. Kind says which of the pointers is set.
type Result struct {
	Kind    docstore.Kind
	User    *model.User
	Channel *model.Channel
	Message *model.Message
}

// Label is the text a result list shows for r.
func (r Result) Label() string {
	switch {
	case r.User != nil:
		return r.User.Name
	case r.Channel != nil:
		return "#" + r.Channel.Name
	case r.Message != nil:
		return r.Message.Text
	}
	return ""
}

// Target returns where selecting r leads: a user id for users and direct
// messages, a channel id for channels and channel messages.
func (r Result) Target(selfID string) string {
	switch r.Kind {
	case docstore.KindUser:
		return r.User.ID
	case docstore.KindChannel:
		return r.Channel.ID
	case docstore.KindDirectMessage:
		return r.Message.Partner(selfID)
	case docstore.KindMessage, docstore.KindThread:
		return r.Message.ChannelID
	}
	return ""
}

// Search matches query case-insensitively against user names and emails, the
// names of channels SelfID belongs to, and the text of messages SelfID can
// see. Results come back users first, then channels, then messages. An empty
// query matches nothing.
func Search(query string, c Corpus) []Result {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []Result

	for i := range c.Users {
		u := &c.Users[i]
		if contains(u.Name, q) || contains(u.Email, q) {
			out = append(out, Result{Kind: docstore.KindUser, User: u})
		}
	}

	member := make(map[string]bool, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		if !ch.HasMember(c.SelfID) {
			continue
		}
		member[ch.ID] = true
		if contains(ch.Name, q) {
			out = append(out, Result{Kind: docstore.KindChannel, Channel: ch})
		}
	}

	for i := range c.Messages {
		m := &c.Messages[i]
		if !visible(m, c.SelfID, member) || !contains(m.Text, q) {
			continue
		}
		out = append(out, Result{Kind: m.Kind, Message: m})
	}
	return out
}

func visible(m *model.Message, selfID string, member map[string]bool) bool {
	if m.Kind == docstore.KindDirectMessage {
		for _, p := range m.Participants {
			if p == selfID {
				return true
			}
		}
		return false
	}
	return member[m.ChannelID]
}

func contains(s, lowerQuery string) bool {
	return strings.Contains(strings.ToLower(s), lowerQuery)
}
