package client

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"teamchat/internal/docstore"
	"teamchat/internal/model"
	"teamchat/internal/users"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	onlineStyle        = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	toastStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("16")).Background(lipgloss.Color("42")).Padding(0, 1).MarginTop(1)
	kindStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Width(10)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	selectedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	itemStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (m *Model) View() string {
	var body string
	switch m.mode {
	case modeAuthMenu:
		body = m.renderAuthMenuView()
	case modeEmail, modePassword, modeName:
		body = m.renderAuthPromptView()
	case modeSearch:
		body = m.renderSearchView()
	case modeDirect:
		body = m.renderDirectView()
	case modeMessage:
		body = m.renderMessageView()
	default:
		body = m.renderDirectoryView()
	}
	if toasts := m.renderToasts(); toasts != "" {
		body = lipgloss.JoinVertical(lipgloss.Left, body, toasts)
	}
	return body
}

func (m *Model) renderAuthMenuView() string {
	title := appTitleStyle.Render("TeamChat")
	subtitle := subtitleStyle.Render("Your team, one terminal away")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("3", "Continue as guest"),
		renderMenuOption("q", "Quit"),
	}

	sections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if m.loading {
		sections = append(sections, connectingStyle.Render("Working…"))
	}
	if notices := m.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  3) Guest  •  q) Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderAuthPromptView() string {
	title := "Log in"
	if m.intent == intentSignup {
		title = "Create an account"
	}
	hint := "Enter your email address"
	switch m.mode {
	case modePassword:
		hint = "Enter your password"
	case modeName:
		hint = "Choose the name your team will see"
	}
	return m.renderPrompt(title, hint)
}

func (m *Model) renderPrompt(title, hint string) string {
	sections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if m.loading {
		sections = append(sections, connectingStyle.Render("Working…"))
	}
	if notices := m.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, inputBoxStyle.Render(m.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderHeader(extra ...string) string {
	segments := []string{"TeamChat"}
	segments = append(segments, extra...)
	segments = append(segments, fmt.Sprintf("User %s", m.current.Name))
	if m.deps.Server != "" {
		segments = append(segments, fmt.Sprintf("Server %s", m.deps.Server))
	}
	return chatHeaderStyle.Render(strings.Join(segments, dividerStyle))
}

func (m *Model) renderDirectoryView() string {
	online := 0
	for _, u := range m.roster {
		if m.deps.Users.IsOnline(u) {
			online++
		}
	}
	sections := []string{
		m.renderHeader(),
		subtitleStyle.Render(fmt.Sprintf("Members: %d  |  Online: %d", len(m.roster), online)),
	}
	if m.loading {
		sections = append(sections, connectingStyle.Render("Loading team…"))
	}
	if st := m.deps.Users.Tracker().Stats(); st.ConsecutiveFailures > 0 {
		sections = append(sections, errorStyle.Render(fmt.Sprintf("Presence updates failing (%d in a row)", st.ConsecutiveFailures)))
	}
	if notices := m.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}

	var lines []string
	if len(m.roster) == 0 {
		lines = append(lines, menuHintStyle.Render("Nobody here yet."))
	}
	for idx, u := range m.roster {
		name := u.Name
		if m.deps.Users.IsCurrentUser(u.ID) {
			name += " (" + users.SelfLabel + ")"
		}
		line := fmt.Sprintf("%s %s", presenceDot(m.deps.Users.IsOnline(u)), name)
		if idx == m.selected {
			lines = append(lines, selectedStyle.Render("➤ "+line))
		} else {
			lines = append(lines, itemStyle.Render("  "+line))
		}
	}
	sections = append(sections, menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	sections = append(sections, menuHintStyle.Render("↑/↓ select • Enter direct message • / search • L logout • Q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderSearchView() string {
	sections := []string{m.renderHeader("Search"), inputBoxStyle.Render(m.textInput.View())}
	var lines []string
	for _, r := range m.results {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Left, kindStyle.Render(kindLabel(r.Kind)), itemStyle.Render(m.resultLabel(r.Label(), r.User))))
	}
	if len(lines) == 0 && strings.TrimSpace(m.query) != "" {
		lines = append(lines, menuHintStyle.Render("No matches."))
	}
	if len(lines) > 0 {
		sections = append(sections, menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	}
	sections = append(sections, menuHintStyle.Render("Enter open first match • Esc back"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) resultLabel(label string, u *model.User) string {
	if u == nil {
		return label
	}
	return fmt.Sprintf("%s %s", presenceDot(m.deps.Users.IsOnline(*u)), label)
}

func (m *Model) renderDirectView() string {
	name := lipgloss.NewStyle().Bold(true).Foreground(colorForUser(m.partner.Name)).Render(m.partner.Name)
	var status string
	switch {
	case !m.partnerKnown:
		status = connectingStyle.Render("Checking status…")
	case m.partnerOnline:
		status = onlineStyle.Render(presenceDot(true) + " Online")
	default:
		status = statusStyle.Render(presenceDot(false) + " Offline")
	}
	sections := []string{
		m.renderHeader("Direct message"),
		lipgloss.JoinVertical(lipgloss.Left, name, status),
	}
	if m.partner.Email != "" {
		sections = append(sections, menuHintStyle.Render(m.partner.Email))
	}
	sections = append(sections, menuHintStyle.Render("Esc back"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderMessageView() string {
	msg := m.opened
	sender := m.deps.Users.DisplayName(msg.Sender)
	if sender == "" {
		sender = "Unknown"
	}
	where := ""
	switch msg.Kind {
	case docstore.KindDirectMessage:
		if partner := m.deps.Users.DisplayName(msg.Partner(m.current.ID)); partner != "" {
			where = "with " + partner
		}
	default:
		if name := m.channelName(msg.ChannelID); name != "" {
			where = "in #" + name
		}
	}
	meta := sender
	if where != "" {
		meta += " " + where
	}
	if !msg.Timestamp.IsZero() {
		meta += " at " + msg.Timestamp.Local().Format("2006-01-02 15:04")
	}

	sections := []string{
		m.renderHeader(kindLabel(msg.Kind)),
		lipgloss.NewStyle().Bold(true).Foreground(colorForUser(sender)).Render(meta),
		menuBoxStyle.Render(itemStyle.Render(msg.Text)),
	}
	if reactions := m.renderReactions(msg.Reactions); reactions != "" {
		sections = append(sections, reactions)
	}
	hint := "Esc back"
	if msg.Kind == docstore.KindDirectMessage {
		hint = "Enter open conversation • Esc back"
	}
	sections = append(sections, menuHintStyle.Render(hint))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderReactions lists who reacted with each emoji, the session user as
// SelfLabel.
func (m *Model) renderReactions(reactions map[string][]string) string {
	if len(reactions) == 0 {
		return ""
	}
	emojis := make([]string, 0, len(reactions))
	for emoji := range reactions {
		emojis = append(emojis, emoji)
	}
	sort.Strings(emojis)
	lines := make([]string, 0, len(emojis))
	for _, emoji := range emojis {
		var names []string
		for _, id := range reactions[emoji] {
			if name := m.deps.Users.DisplayName(id); name != "" {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s", emoji, strings.Join(names, ", ")))
	}
	if len(lines) == 0 {
		return ""
	}
	return statusStyle.Render(strings.Join(lines, "\n"))
}

func (m *Model) renderNotices() string {
	if len(m.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(m.notices))
	for _, n := range m.notices {
		if n.isErr {
			lines = append(lines, errorStyle.Render(n.text))
		} else {
			lines = append(lines, systemMessageStyle.Render(n.text))
		}
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m *Model) renderToasts() string {
	active := m.activeToasts()
	if len(active) == 0 {
		return ""
	}
	lines := make([]string, 0, len(active))
	for _, t := range active {
		lines = append(lines, toastStyle.Render(t.text))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func kindLabel(kind docstore.Kind) string {
	switch kind {
	case docstore.KindUser:
		return "person"
	case docstore.KindChannel:
		return "channel"
	case docstore.KindDirectMessage:
		return "direct"
	case docstore.KindThread:
		return "thread"
	default:
		return "message"
	}
}

func presenceDot(online bool) string {
	if online {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("○")
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
