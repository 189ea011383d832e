package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
	"teamchat/internal/model"
	"teamchat/internal/remote"
)

const (
	requestTimeout = 10 * time.Second
	defaultAvatar  = "assets/imgs/avatar1.svg"
)

type (
	loggedInMsg struct {
		user  model.User
		login api.LoginResponse
	}
	authFailedMsg   struct{ err error }
	resumeSkipMsg   struct{}
	sessionReadyMsg struct{}
	sessionErrMsg   struct{ err error }
	loggedOutMsg    struct{}

	// rosterMsg tells Update the cached user list or presence changed.
	rosterMsg   struct{}
	onlineMsg   struct{ user model.User }
	channelsMsg []model.Channel
	messagesMsg struct {
		collection string
		list       []model.Message
	}
	// presenceTickMsg re-renders presence for the session it was armed in.
	presenceTickMsg  struct{ gen int }
	partnerStatusMsg struct {
		id     string
		online bool
	}
	toastExpiredMsg struct{ id int }
)

func (m *Model) loginCmd(email, password string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		login, err := m.deps.Auth.Login(ctx, email, password)
		if err != nil {
			return authFailedMsg{err: err}
		}
		u, err := m.deps.Users.SignIn(ctx, login.Email)
		if err != nil {
			return authFailedMsg{err: fmt.Errorf("load profile: %w", err)}
		}
		return loggedInMsg{user: u, login: login}
	}
}

// signupCmd creates the login, signs in, and registers the user record.
func (m *Model) signupCmd(email, password, name string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		if err := m.deps.Auth.Signup(ctx, email, password); err != nil {
			return authFailedMsg{err: err}
		}
		login, err := m.deps.Auth.Login(ctx, email, password)
		if err != nil {
			return authFailedMsg{err: err}
		}
		m.deps.Users.SetTempUser(model.User{Name: name, Email: login.Email, Avatar: defaultAvatar})
		u, err := m.deps.Users.AddUser(ctx)
		if errors.Is(err, docstore.ErrConflict) {
			u, err = m.deps.Users.SignIn(ctx, login.Email)
		}
		if err != nil {
			return authFailedMsg{err: fmt.Errorf("create profile: %w", err)}
		}
		return loggedInMsg{user: u, login: login}
	}
}

func (m *Model) guestCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		login, err := m.deps.Auth.LoginGuest(ctx)
		if err != nil {
			return authFailedMsg{err: err}
		}
		u, err := m.deps.Users.SignIn(ctx, login.Email)
		if err != nil {
			return authFailedMsg{err: fmt.Errorf("load guest profile: %w", err)}
		}
		return loggedInMsg{user: u, login: login}
	}
}

// resumeCmd restores a saved session for the same server, dropping the file
// when the server no longer accepts its token.
func (m *Model) resumeCmd() tea.Cmd {
	path := m.deps.SessionPath
	return func() tea.Msg {
		saved, err := remote.LoadSession(path)
		if err != nil || saved.Server != m.deps.Server {
			return resumeSkipMsg{}
		}
		m.deps.Auth.SetSession(saved.Email, saved.Token)
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		u, err := m.deps.Users.SignIn(ctx, saved.Email)
		if err != nil {
			m.deps.Auth.SetSession("", "")
			if errors.Is(err, remote.ErrUnauthorized) {
				_ = remote.DeleteSession(path)
			}
			m.logger.Info("saved session not resumed", slog.String("error", err.Error()))
			return resumeSkipMsg{}
		}
		return loggedInMsg{user: u, login: api.LoginResponse{Email: saved.Email, Token: saved.Token}}
	}
}

// startSessionCmd starts the per-session loops: the users subscription that
// feeds the tracker, the channel and message subscriptions used by search, and
// the heartbeat. All of them stop with ctx.
func (m *Model) startSessionCmd(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		if err := m.deps.Users.Start(ctx); err != nil {
			return sessionErrMsg{err: err}
		}
		_, err := m.deps.Store.Subscribe(ctx, docstore.CollectionChannels, func(docs []docstore.Document) {
			list := make([]model.Channel, 0, len(docs))
			for _, doc := range docs {
				ch, err := model.ChannelFromDocument(doc)
				if err != nil {
					continue
				}
				list = append(list, ch)
			}
			m.emit(channelsMsg(list))
		})
		if err != nil {
			m.logger.Warn("channels subscription failed", slog.String("error", err.Error()))
		}
		for _, collection := range []string{docstore.CollectionMessages, docstore.CollectionDirectMessages} {
			m.subscribeMessages(ctx, collection)
		}
		go func() {
			_ = m.deps.Users.Heartbeat(ctx)
		}()

		waitCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if err := m.deps.Users.WaitUntilLoaded(waitCtx); err != nil {
			return sessionErrMsg{err: fmt.Errorf("load users: %w", err)}
		}
		return sessionReadyMsg{}
	}
}

func (m *Model) subscribeMessages(ctx context.Context, collection string) {
	_, err := m.deps.Store.Subscribe(ctx, collection, func(docs []docstore.Document) {
		list := make([]model.Message, 0, len(docs))
		for _, doc := range docs {
			msg, err := model.MessageFromDocument(doc)
			if err != nil {
				continue
			}
			list = append(list, msg)
		}
		m.emit(messagesMsg{collection: collection, list: list})
	})
	if err != nil {
		m.logger.Warn("messages subscription failed", slog.String("collection", collection), slog.String("error", err.Error()))
	}
}

func (m *Model) saveSessionCmd(login api.LoginResponse) tea.Cmd {
	path := m.deps.SessionPath
	if path == "" || login.Token == "" {
		return nil
	}
	return func() tea.Msg {
		err := remote.SaveSession(path, remote.SessionFile{Server: m.deps.Server, Email: login.Email, Token: login.Token})
		if err != nil {
			m.logger.Warn("save session failed", slog.String("error", err.Error()))
		}
		return nil
	}
}

func (m *Model) logoutCmd() tea.Cmd {
	path := m.deps.SessionPath
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		if err := m.deps.Auth.Logout(ctx); err != nil {
			m.logger.Warn("logout failed", slog.String("error", err.Error()))
		}
		_ = remote.DeleteSession(path)
		return loggedOutMsg{}
	}
}

// pollPartner reports the partner's status to Update until ctx ends.
func (m *Model) pollPartner(ctx context.Context, partnerID string) {
	tracker := m.deps.Users.Tracker()
	go tracker.PollUser(ctx, partnerID, 0, func(online bool) {
		m.emit(partnerStatusMsg{id: partnerID, online: online})
	})
}

// presenceTickCmd re-evaluates presence after one poll interval. Users age out
// without any store write, so the directory cannot rely on pushes alone.
func (m *Model) presenceTickCmd() tea.Cmd {
	gen := m.sessionGen
	return tea.Tick(m.deps.Users.Tracker().Config().PollInterval, func(time.Time) tea.Msg {
		return m.presenceTick(gen)
	})
}

// presenceTick runs off the event loop: Refresh may notify subscribers that
// send into the program.
func (m *Model) presenceTick(gen int) tea.Msg {
	m.deps.Users.Tracker().Refresh()
	return presenceTickMsg{gen: gen}
}

func expireToastCmd(id int) tea.Cmd {
	return tea.Tick(toastLifetime, func(time.Time) tea.Msg {
		return toastExpiredMsg{id: id}
	})
}
