package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
	"teamchat/internal/model"
	"teamchat/internal/presence"
	"teamchat/internal/users"
)

type fakeAuth struct {
	mu        sync.Mutex
	passwords map[string]string
	session   string
}

func (a *fakeAuth) Signup(_ context.Context, email, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.passwords[email]; ok {
		return docstore.ErrConflict
	}
	a.passwords[email] = password
	return nil
}

func (a *fakeAuth) Login(_ context.Context, email, password string) (api.LoginResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.passwords[email] != password {
		return api.LoginResponse{}, errors.New("invalid credentials")
	}
	a.session = email
	return api.LoginResponse{Email: email, Token: "token-" + email}, nil
}

func (a *fakeAuth) LoginGuest(context.Context) (api.LoginResponse, error) {
	return api.LoginResponse{Email: model.GuestUser.Email, Token: "guest"}, nil
}

func (a *fakeAuth) Logout(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = ""
	return nil
}

func (a *fakeAuth) SetSession(email, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = email
}

type fixture struct {
	model *Model
	store *docstore.Memory
	auth  *fakeAuth
	clock *testClock
	ada   model.User
	bob   model.User
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := docstore.NewMemory()
	clock := &testClock{now: t0}
	tracker := presence.NewTracker(store, presence.DefaultConfig(),
		presence.WithClock(clock.Now),
		presence.WithLogger(logger),
	)
	svc := users.New(store, tracker, logger)
	auth := &fakeAuth{passwords: map[string]string{"ada@example.com": "secret1"}}

	add := func(name, email string, lastSeen *time.Time) model.User {
		fields := model.User{Name: name, Email: email}.Fields()
		if lastSeen != nil {
			fields[model.FieldLastSeen] = docstore.Timestamp(*lastSeen)
		}
		doc, err := store.Add(ctx, docstore.CollectionUsers, docstore.KindUser, fields)
		require.NoError(t, err)
		u, err := model.UserFromDocument(doc)
		require.NoError(t, err)
		return u
	}
	recent := t0.Add(-time.Second)
	f := &fixture{store: store, auth: auth, clock: clock}
	f.ada = add("Ada", "ada@example.com", nil)
	f.bob = add("Bob", "bob@example.com", &recent)
	require.NoError(t, store.Put(ctx, docstore.CollectionUsers, docstore.Document{
		ID: model.GuestUser.ID, Kind: docstore.KindUser, Fields: model.GuestUser.Fields(),
	}))

	f.model = NewModel(ctx, Deps{Auth: auth, Store: store, Users: svc, Logger: logger, Server: "http://test"})
	f.model.now = clock.Now
	t.Cleanup(f.model.shutdown)
	return f
}

func typeText(m *Model, text string) {
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
}

func press(m *Model, key tea.KeyType) tea.Cmd {
	_, cmd := m.Update(tea.KeyMsg{Type: key})
	return cmd
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	m := f.model
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("1")})
	require.Equal(t, modeEmail, m.mode)
	typeText(m, "ada@example.com")
	press(m, tea.KeyEnter)
	require.Equal(t, modePassword, m.mode)
	typeText(m, "secret1")
	cmd := press(m, tea.KeyEnter)
	require.NotNil(t, cmd)
	require.True(t, m.loading)

	msg := cmd()
	require.IsType(t, loggedInMsg{}, msg)
	m.Update(msg)
	require.Equal(t, modeDirectory, m.mode)
	require.NotNil(t, m.session)

	ready := m.startSessionCmd(m.session)()
	require.IsType(t, sessionReadyMsg{}, ready)
	m.Update(ready)
}

func TestLoginFlowLoadsDirectory(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	m := f.model

	assert.Equal(t, f.ada.ID, m.current.ID)
	assert.False(t, m.loading)
	require.NotEmpty(t, m.roster)
	assert.Equal(t, f.ada.ID, m.roster[0].ID, "current user is listed first")

	view := m.View()
	assert.Contains(t, view, "Ada ("+users.SelfLabel+")")
	assert.Contains(t, view, "Bob")
	assert.Eventually(t, func() bool {
		m.refreshRoster()
		return strings.Contains(m.View(), "Online: 2")
	}, time.Second, 10*time.Millisecond, "own heartbeat brings the session user online")
}

func TestLoginRejectsBadEmailAndPassword(t *testing.T) {
	f := newFixture(t)
	m := f.model

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("1")})
	typeText(m, "not-an-email")
	press(m, tea.KeyEnter)
	assert.Equal(t, modeEmail, m.mode)
	require.NotEmpty(t, m.notices)

	m.textInput.SetValue("ada@example.com")
	press(m, tea.KeyEnter)
	typeText(m, "wrong")
	msg := press(m, tea.KeyEnter)()
	require.IsType(t, authFailedMsg{}, msg)
	m.Update(msg)
	assert.Equal(t, modeAuthMenu, m.mode)
	assert.Contains(t, m.View(), "invalid credentials")
}

func TestSignupRegistersProfile(t *testing.T) {
	f := newFixture(t)
	m := f.model

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	typeText(m, "cleo@example.com")
	press(m, tea.KeyEnter)
	typeText(m, "secret1")
	press(m, tea.KeyEnter)
	require.Equal(t, modeName, m.mode)
	typeText(m, "Cleo")
	msg := press(m, tea.KeyEnter)()
	require.IsType(t, loggedInMsg{}, msg)
	assert.Equal(t, "Cleo", msg.(loggedInMsg).user.Name)

	found, err := f.store.QueryByField(context.Background(), docstore.CollectionUsers, model.FieldEmail, "cleo@example.com")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestGuestLogin(t *testing.T) {
	f := newFixture(t)
	m := f.model
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("3")})
	require.NotNil(t, cmd)
	msg := cmd()
	require.IsType(t, loggedInMsg{}, msg)
	assert.True(t, msg.(loggedInMsg).user.IsGuest())
}

func TestOnlineToastAppearsAndExpires(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	m := f.model

	_, cmd := m.Update(onlineMsg{user: f.bob})
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "Bob is now online")

	m.Update(toastExpiredMsg{id: m.nextToast})
	assert.NotContains(t, m.View(), "is now online")
}

func TestDirectHeaderTracksPartnerStatus(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	m := f.model

	m.selected = 1
	require.Equal(t, f.bob.ID, m.roster[1].ID)
	press(m, tea.KeyEnter)
	require.Equal(t, modeDirect, m.mode)
	assert.Contains(t, m.View(), "Checking status")

	m.Update(partnerStatusMsg{id: f.bob.ID, online: true})
	assert.Contains(t, m.View(), "Online")
	m.Update(partnerStatusMsg{id: "someone-else", online: false})
	assert.True(t, m.partnerOnline, "updates for other users are ignored")

	press(m, tea.KeyEsc)
	assert.Equal(t, modeDirectory, m.mode)
	assert.Nil(t, m.endPoll)
}

func TestSearchFindsUsersAndChannels(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	m := f.model
	m.Update(channelsMsg{{ID: "c1", Name: "bobs-corner", Members: []string{f.ada.ID}}})

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("/")})
	require.Equal(t, modeSearch, m.mode)
	typeText(m, "bob")
	require.Len(t, m.results, 2)
	assert.Equal(t, docstore.KindUser, m.results[0].Kind)
	assert.Equal(t, docstore.KindChannel, m.results[1].Kind)

	press(m, tea.KeyEnter)
	assert.Equal(t, modeDirect, m.mode)
	assert.Equal(t, f.bob.ID, m.partner.ID)
}

func TestLogoutEndsSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	m := f.model
	sess := m.session

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("L")})
	require.NotNil(t, cmd)
	assert.Error(t, sess.Err(), "session context is cancelled")
	m.Update(cmd())
	assert.Equal(t, modeAuthMenu, m.mode)
	assert.Empty(t, m.deps.Users.CurrentUser().ID)
}

func TestPresenceTickAgesUsersOut(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	m := f.model
	require.Contains(t, m.View(), "● Bob")
	require.Eventually(t, func() bool {
		return !m.deps.Users.Tracker().LocalLastSeen().IsZero()
	}, time.Second, 10*time.Millisecond, "first heartbeat written")

	f.clock.Advance(25 * time.Second)
	msg := m.presenceTick(m.sessionGen)
	require.IsType(t, presenceTickMsg{}, msg)
	assert.False(t, m.deps.Users.Tracker().Snapshot()[f.bob.ID], "the tick recomputes the tracker")

	_, cmd := m.Update(msg)
	assert.NotNil(t, cmd, "the tick re-arms itself")
	assert.Contains(t, m.View(), "○ Bob")
	assert.Contains(t, m.View(), "Online: 0")
}

func TestPresenceTickStopsWithSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	m := f.model
	stale := presenceTickMsg{gen: m.sessionGen}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("L")})
	m.Update(cmd())
	_, cmd = m.Update(stale)
	assert.Nil(t, cmd, "no tick after logout")

	f.login(t)
	_, cmd = m.Update(stale)
	assert.Nil(t, cmd, "a tick from the previous session is dropped")
}

func TestReloginStartsFreshDirectory(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	m := f.model
	m.Update(messagesMsg{collection: docstore.CollectionMessages, list: []model.Message{{ID: "m1", Kind: docstore.KindMessage, Text: "hi"}}})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("L")})
	m.Update(cmd())
	assert.Empty(t, m.deps.Users.Users())
	assert.Empty(t, m.messages)

	f.login(t)
	assert.Len(t, m.roster, 3)
	assert.Equal(t, f.ada.ID, m.roster[0].ID)
}

func TestSearchOpensMessageWithReactions(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	m := f.model
	m.Update(channelsMsg{{ID: "c1", Name: "general", Members: []string{f.ada.ID, f.bob.ID}}})
	m.Update(messagesMsg{collection: docstore.CollectionMessages, list: []model.Message{
		{ID: "m1", Kind: docstore.KindMessage, Text: "Lunch at noon?", Sender: f.bob.ID, ChannelID: "c1",
			Reactions: map[string][]string{"👍": {f.ada.ID, f.bob.ID}, "🎉": {"ghost"}}},
		{ID: "m2", Kind: docstore.KindMessage, Text: "lunch elsewhere", Sender: f.bob.ID, ChannelID: "c-other"},
	}})

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("/")})
	typeText(m, "lunch")
	require.Len(t, m.results, 1, "messages of channels the user is not in stay hidden")
	assert.Equal(t, docstore.KindMessage, m.results[0].Kind)

	press(m, tea.KeyEnter)
	require.Equal(t, modeMessage, m.mode)
	view := m.View()
	assert.Contains(t, view, "Lunch at noon?")
	assert.Contains(t, view, "Bob in #general")
	assert.Contains(t, view, "👍 "+users.SelfLabel+", Bob")
	assert.NotContains(t, view, "🎉", "reactions from unknown users are left out")

	press(m, tea.KeyEsc)
	assert.Equal(t, modeDirectory, m.mode)
}

func TestSearchDirectMessageLeadsToPartner(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	m := f.model
	m.Update(messagesMsg{collection: docstore.CollectionDirectMessages, list: []model.Message{
		{ID: "d1", Kind: docstore.KindDirectMessage, Text: "see you tomorrow", Sender: f.ada.ID, Participants: []string{f.ada.ID, f.bob.ID}},
		{ID: "d2", Kind: docstore.KindDirectMessage, Text: "see you never", Sender: f.bob.ID, Participants: []string{f.bob.ID, "cleo"}},
	}})

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("/")})
	typeText(m, "see you")
	require.Len(t, m.results, 1)

	press(m, tea.KeyEnter)
	require.Equal(t, modeMessage, m.mode)
	assert.Contains(t, m.View(), users.SelfLabel+" with Bob")

	press(m, tea.KeyEnter)
	assert.Equal(t, modeDirect, m.mode)
	assert.Equal(t, f.bob.ID, m.partner.ID)
}

func TestSessionSubscribesToMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.Add(ctx, docstore.CollectionMessages, docstore.KindMessage, docstore.Fields{
		"message": "hello", "sender": f.bob.ID, "channelId": "c1",
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []messagesMsg
	f.model.SetSender(func(msg tea.Msg) {
		if mm, ok := msg.(messagesMsg); ok {
			mu.Lock()
			got = append(got, mm)
			mu.Unlock()
		}
	})
	f.login(t)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, mm := range got {
			if mm.collection == docstore.CollectionMessages && len(mm.list) == 1 && mm.list[0].Text == "hello" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
