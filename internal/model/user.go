// Package model holds the chat entities decoded from store documents.
package model

import (
	"fmt"
	"time"

	"teamchat/internal/docstore"
)

// Field names used by user documents. LastSeen is stored under "online", the
// name existing user records already carry; "lastSeen" is accepted on read.
const (
	FieldName     = "name"
	FieldEmail    = "email"
	FieldAvatar   = "avatar"
	FieldLastSeen = "online"

	legacyFieldLastSeen = "lastSeen"
)

// GuestUser is the shared demo account. Its sessions never write heartbeats.
var GuestUser = User{
	ID:     "8GCDt8zCXnKuGU9sLT2l",
	Name:   "Gast",
	Email:  "gast@user.de",
	Avatar: "assets/imgs/avatar4.svg",
}

// User is a registered chat member.
type User struct {
	ID       string
	Name     string
	Email    string
	Avatar   string
	LastSeen *time.Time
}

// IsGuest reports whether u is the shared guest account.
func (u User) IsGuest() bool {
	return u.ID == GuestUser.ID
}

// UserFromDocument decodes a user document. Documents of another kind are rejected.
func UserFromDocument(doc docstore.Document) (User, error) {
	if doc.Kind != docstore.KindUser {
		return User{}, fmt.Errorf("document %s is a %q, not a user", doc.ID, doc.Kind)
	}
	user := User{
		ID:     doc.ID,
		Name:   doc.Fields.String(FieldName),
		Email:  doc.Fields.String(FieldEmail),
		Avatar: doc.Fields.String(FieldAvatar),
	}
	if ts, ok := doc.Fields.Time(FieldLastSeen); ok {
		user.LastSeen = &ts
	} else if ts, ok := doc.Fields.Time(legacyFieldLastSeen); ok {
		user.LastSeen = &ts
	}
	return user, nil
}

// UsersFromDocuments decodes every user document of a snapshot, keeping scan
// order and skipping documents of other kinds.
func UsersFromDocuments(docs []docstore.Document) []User {
	users := make([]User, 0, len(docs))
	for _, doc := range docs {
		user, err := UserFromDocument(doc)
		if err != nil {
			continue
		}
		users = append(users, user)
	}
	return users
}

// Fields encodes the profile part of u for Add. LastSeen is left out; it is
// only ever written by heartbeats.
func (u User) Fields() docstore.Fields {
	return docstore.Fields{
		FieldName:   u.Name,
		FieldEmail:  u.Email,
		FieldAvatar: u.Avatar,
	}
}

// Merge overlays the non-empty profile fields of patch on u.
func (u User) Merge(patch User) User {
	if patch.ID != "" {
		u.ID = patch.ID
	}
	if patch.Name != "" {
		u.Name = patch.Name
	}
	if patch.Email != "" {
		u.Email = patch.Email
	}
	if patch.Avatar != "" {
		u.Avatar = patch.Avatar
	}
	if patch.LastSeen != nil {
		u.LastSeen = patch.LastSeen
	}
	return u
}
