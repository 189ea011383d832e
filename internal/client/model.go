// Package client is the terminal UI: login, the user directory with presence,
// search, and a direct message header that tracks the partner's status.
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
	"teamchat/internal/model"
	"teamchat/internal/search"
	"teamchat/internal/users"
)

const toastLifetime = 4 * time.Second

// Authenticator is the login surface of the server. *remote.Client implements it.
type Authenticator interface {
	Signup(ctx context.Context, email, password string) error
	Login(ctx context.Context, email, password string) (api.LoginResponse, error)
	LoginGuest(ctx context.Context) (api.LoginResponse, error)
	Logout(ctx context.Context) error
	SetSession(email, token string)
}

// Deps are the collaborators of the UI.
type Deps struct {
	Auth   Authenticator
	Store  docstore.Store
	Users  *users.Service
	Logger *slog.Logger
	// Server is shown in the header and stored in the session file.
	Server string
	// SessionPath, when set, keeps the login across restarts.
	SessionPath string
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeEmail
	modePassword
	modeName
	modeDirectory
	modeSearch
	modeDirect
	modeMessage
)

type authIntent int

const (
	intentLogin authIntent = iota
	intentSignup
)

type notice struct {
	text  string
	isErr bool
}

type toast struct {
	id      int
	text    string
	expires time.Time
}

// Model is the bubbletea state of one client run.
type Model struct {
	deps   Deps
	ctx    context.Context
	logger *slog.Logger
	now    func() time.Time
	send   func(tea.Msg)

	textInput textinput.Model
	mode      appMode
	intent    authIntent
	loading   bool
	notices   []notice

	email    string
	password string

	current    model.User
	session    context.Context
	sessionGen int
	endSess    context.CancelFunc
	roster     []model.User
	channels   []model.Channel
	messages   map[string][]model.Message
	selected   int

	query   string
	results []search.Result
	opened  model.Message

	partner       model.User
	partnerOnline bool
	partnerKnown  bool
	endPoll       context.CancelFunc

	toasts    []toast
	nextToast int
}

// NewModel builds the UI on top of deps. ctx bounds every background loop the
// UI starts.
func NewModel(ctx context.Context, deps Deps) *Model {
	input := textinput.New()
	input.CharLimit = 256
	input.Prompt = ""

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		deps:      deps,
		ctx:       ctx,
		logger:    logger,
		now:       time.Now,
		textInput: input,
		mode:      modeAuthMenu,
	}
}

// SetSender connects the model to a running program so store and tracker
// callbacks can reach Update.
func (m *Model) SetSender(send func(tea.Msg)) {
	m.send = send
}

func (m *Model) emit(msg tea.Msg) {
	if m.send != nil {
		m.send(msg)
	}
}

func (m *Model) Init() tea.Cmd {
	if m.deps.SessionPath == "" {
		return nil
	}
	m.loading = true
	return m.resumeCmd()
}

func (m *Model) addNotice(text string, isErr bool) {
	m.notices = append(m.notices, notice{text: text, isErr: isErr})
	if len(m.notices) > 4 {
		m.notices = m.notices[len(m.notices)-4:]
	}
}

func (m *Model) clearNotices() {
	m.notices = nil
}

// prompt switches the single text input to a new question.
func (m *Model) prompt(mode appMode, placeholder string, secret bool) tea.Cmd {
	m.mode = mode
	m.textInput.SetValue("")
	m.textInput.Placeholder = placeholder
	m.textInput.Prompt = "> "
	if secret {
		m.textInput.EchoMode = textinput.EchoPassword
		m.textInput.EchoCharacter = '•'
	} else {
		m.textInput.EchoMode = textinput.EchoNormal
	}
	return m.textInput.Focus()
}

func (m *Model) blurInput() {
	m.textInput.SetValue("")
	m.textInput.Blur()
	m.textInput.Placeholder = ""
	m.textInput.Prompt = ""
	m.textInput.EchoMode = textinput.EchoNormal
}

func (m *Model) refreshRoster() {
	m.roster = m.deps.Users.UsersWithCurrentFirst()
	if m.selected >= len(m.roster) {
		m.selected = len(m.roster) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
	if m.mode == modeSearch {
		m.runSearch()
	}
}

func (m *Model) runSearch() {
	m.results = search.Search(m.query, search.Corpus{
		SelfID:   m.current.ID,
		Users:    m.roster,
		Channels: m.channels,
		Messages: m.allMessages(),
	})
}

func (m *Model) allMessages() []model.Message {
	var out []model.Message
	for _, collection := range []string{docstore.CollectionMessages, docstore.CollectionDirectMessages} {
		out = append(out, m.messages[collection]...)
	}
	return out
}

func (m *Model) channelName(id string) string {
	for _, ch := range m.channels {
		if ch.ID == id {
			return ch.Name
		}
	}
	return ""
}

func (m *Model) activeToasts() []toast {
	now := m.now()
	out := m.toasts[:0:0]
	for _, t := range m.toasts {
		if now.Before(t.expires) {
			out = append(out, t)
		}
	}
	return out
}
