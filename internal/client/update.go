package client

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"teamchat/internal/docstore"
	"teamchat/internal/model"
)

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.shutdown()
			return m, tea.Quit
		}
		return m.handleKey(msg)

	case loggedInMsg:
		m.loading = false
		m.clearNotices()
		m.current = msg.user
		m.password = ""
		sessCtx, cancel := context.WithCancel(m.ctx)
		m.session, m.endSess = sessCtx, cancel
		m.sessionGen++
		m.mode = modeDirectory
		m.blurInput()
		m.loading = true
		return m, tea.Batch(m.startSessionCmd(sessCtx), m.saveSessionCmd(msg.login))

	case authFailedMsg:
		m.loading = false
		m.addNotice(msg.err.Error(), true)
		m.mode = modeAuthMenu
		m.blurInput()
		return m, nil

	case resumeSkipMsg:
		m.loading = false
		return m, nil

	case sessionReadyMsg:
		m.loading = false
		m.refreshRoster()
		return m, m.presenceTickCmd()

	case presenceTickMsg:
		if m.session == nil || msg.gen != m.sessionGen {
			return m, nil
		}
		m.refreshRoster()
		return m, m.presenceTickCmd()

	case sessionErrMsg:
		m.loading = false
		m.addNotice(msg.err.Error(), true)
		return m, nil

	case loggedOutMsg:
		m.loading = false
		m.mode = modeAuthMenu
		m.blurInput()
		m.addNotice("Logged out.", false)
		return m, nil

	case rosterMsg:
		m.refreshRoster()
		return m, nil

	case channelsMsg:
		m.channels = []model.Channel(msg)
		if m.mode == modeSearch {
			m.runSearch()
		}
		return m, nil

	case messagesMsg:
		if m.messages == nil {
			m.messages = make(map[string][]model.Message)
		}
		m.messages[msg.collection] = msg.list
		if m.mode == modeSearch {
			m.runSearch()
		}
		return m, nil

	case onlineMsg:
		m.nextToast++
		m.toasts = append(m.toasts, toast{
			id:      m.nextToast,
			text:    fmt.Sprintf("%s is now online", msg.user.Name),
			expires: m.now().Add(toastLifetime),
		})
		return m, expireToastCmd(m.nextToast)

	case toastExpiredMsg:
		kept := m.toasts[:0]
		for _, t := range m.toasts {
			if t.id != msg.id {
				kept = append(kept, t)
			}
		}
		m.toasts = kept
		return m, nil

	case partnerStatusMsg:
		if m.mode == modeDirect && msg.id == m.partner.ID {
			m.partnerOnline = msg.online
			m.partnerKnown = true
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case modeAuthMenu:
		return m.handleAuthMenuKey(msg)
	case modeEmail, modePassword, modeName:
		return m.handleAuthPromptKey(msg)
	case modeDirectory:
		return m.handleDirectoryKey(msg)
	case modeSearch:
		return m.handleSearchKey(msg)
	case modeDirect:
		if msg.Type == tea.KeyEsc {
			m.closeDirect()
		}
		return m, nil
	case modeMessage:
		return m.handleMessageKey(msg)
	}
	return m, nil
}

func (m *Model) handleAuthMenuKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.loading {
		return m, nil
	}
	switch msg.String() {
	case "1", "l", "L":
		m.clearNotices()
		m.intent = intentLogin
		return m, m.prompt(modeEmail, "Email address…", false)
	case "2", "s", "S":
		m.clearNotices()
		m.intent = intentSignup
		return m, m.prompt(modeEmail, "Email address…", false)
	case "3", "g", "G":
		m.clearNotices()
		m.loading = true
		return m, m.guestCmd()
	case "q", "Q", "esc":
		m.shutdown()
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleAuthPromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = modeAuthMenu
		m.password = ""
		m.blurInput()
		return m, nil
	case tea.KeyEnter:
		value := strings.TrimSpace(m.textInput.Value())
		switch m.mode {
		case modeEmail:
			if !strings.Contains(value, "@") {
				m.addNotice("Please enter a valid email address.", true)
				return m, nil
			}
			m.email = value
			return m, m.prompt(modePassword, "Password…", true)
		case modePassword:
			if value == "" {
				m.addNotice("Password cannot be empty.", true)
				return m, nil
			}
			m.password = value
			if m.intent == intentSignup {
				return m, m.prompt(modeName, "Display name…", false)
			}
			m.loading = true
			m.blurInput()
			return m, m.loginCmd(m.email, m.password)
		case modeName:
			if value == "" {
				m.addNotice("Display name cannot be empty.", true)
				return m, nil
			}
			m.loading = true
			m.blurInput()
			return m, m.signupCmd(m.email, m.password, value)
		}
	}
	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *Model) handleDirectoryKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.roster)-1 {
			m.selected++
		}
	case "enter":
		if m.selected < len(m.roster) {
			m.openDirect(m.roster[m.selected])
		}
	case "/":
		m.query = ""
		m.results = nil
		return m, m.prompt(modeSearch, "Search people, channels, messages…", false)
	case "L":
		m.endSession()
		m.loading = true
		return m, m.logoutCmd()
	case "q", "Q":
		m.shutdown()
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleSearchKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = modeDirectory
		m.blurInput()
		return m, nil
	case tea.KeyEnter:
		if len(m.results) == 0 {
			return m, nil
		}
		first := m.results[0]
		m.blurInput()
		m.mode = modeDirectory
		switch {
		case first.Kind == docstore.KindUser:
			if u, ok := m.deps.Users.UserByID(first.Target(m.current.ID)); ok {
				m.openDirect(u)
			}
		case first.Message != nil:
			m.opened = *first.Message
			m.mode = modeMessage
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	m.query = m.textInput.Value()
	m.runSearch()
	return m, cmd
}

// handleMessageKey serves the opened message. Enter on a direct message jumps
// to the partner's header.
func (m *Model) handleMessageKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.opened = model.Message{}
		m.mode = modeDirectory
	case tea.KeyEnter:
		if m.opened.Kind != docstore.KindDirectMessage {
			return m, nil
		}
		if u, ok := m.deps.Users.UserByID(m.opened.Partner(m.current.ID)); ok {
			m.opened = model.Message{}
			m.openDirect(u)
		}
	}
	return m, nil
}

// openDirect shows the direct message header for u and starts polling its
// presence; the poll covers partners missing from the bulk list.
func (m *Model) openDirect(u model.User) {
	m.closeDirect()
	m.partner = u
	m.partnerKnown = false
	m.partnerOnline = false
	m.mode = modeDirect
	if m.session == nil {
		return
	}
	ctx, cancel := context.WithCancel(m.session)
	m.endPoll = cancel
	m.pollPartner(ctx, u.ID)
}

func (m *Model) closeDirect() {
	if m.endPoll != nil {
		m.endPoll()
		m.endPoll = nil
	}
	if m.mode == modeDirect {
		m.mode = modeDirectory
	}
}

func (m *Model) endSession() {
	m.closeDirect()
	if m.endSess != nil {
		m.endSess()
		m.endSess = nil
	}
	m.session = nil
	m.deps.Users.SignOut()
	m.current = model.User{}
	m.roster = nil
	m.channels = nil
	m.messages = nil
	m.results = nil
	m.opened = model.Message{}
	m.selected = 0
}

func (m *Model) shutdown() {
	m.closeDirect()
	if m.endSess != nil {
		m.endSess()
		m.endSess = nil
	}
}
