package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
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
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	pendingStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	listSelectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	listItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
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

func (model TUIModel) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthEmail, modeAuthPassword, modeAuthDisplayName:
		return model.renderAuthPromptView()
	case modeRooms:
		return model.renderRoomsView()
	case modeAddFriend:
		return model.renderPrompt("Add a friend", "Enter their email address and press Enter.")
	default:
		return model.renderChatView()
	}
}

func (model TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("PocketChat")
	subtitle := subtitleStyle.Render("Direct messages from your terminal")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}

	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if model.notice != "" {
		viewSections = append(viewSections, noticeBoxStyle.Render(systemMessageStyle.Render(model.notice)))
	}

	viewSections = append(viewSections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  q) Quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderAuthPromptView() string {
	title := "Log in"
	if model.authIntent == authIntentSignup {
		title = "Create an account"
	}
	hint := "Enter your email"
	switch model.mode {
	case modeAuthPassword:
		hint = "Enter your password"
	case modeAuthDisplayName:
		hint = "Pick a display name"
	}
	return model.renderPrompt(title, hint)
}

func (model TUIModel) renderPrompt(title, hint string) string {
	header := appTitleStyle.Render(title)
	hintText := menuHintStyle.Render(hint)

	viewSections := []string{header, hintText}

	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if model.notice != "" {
		viewSections = append(viewSections, noticeBoxStyle.Render(systemMessageStyle.Render(model.notice)))
	}

	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderRoomsView() string {
	title := appTitleStyle.Render(fmt.Sprintf("Welcome, %s", model.user.DisplayName))
	incoming := 0
	if model.friends != nil {
		incoming = len(model.friends.PendingIncoming)
	}
	subtitle := subtitleStyle.Render(fmt.Sprintf("Friends online: %d  |  Incoming requests: %d", model.countOnlineFriends(), incoming))

	viewSections := []string{title, subtitle}

	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Loading…"))
	}
	if model.notice != "" {
		viewSections = append(viewSections, noticeBoxStyle.Render(systemMessageStyle.Render(model.notice)))
	}

	var lines []string
	if model.friends == nil || len(model.friends.Accepted) == 0 {
		lines = append(lines, menuHintStyle.Render("No friends yet. Press A to add someone."))
	} else {
		for idx, friend := range model.friends.Accepted {
			label := fmt.Sprintf("%s %s", presenceDot(friend.Online), friend.DisplayName)
			if preview := model.lastMessageWith(friend.ID); preview != "" {
				label += timestampStyle.Render("  " + preview)
			}
			if idx == model.selectedIndex {
				lines = append(lines, listSelectedStyle.Render("➤ "+label))
			} else {
				lines = append(lines, listItemStyle.Render("  "+label))
			}
		}
	}
	viewSections = append(viewSections, menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))

	if model.friends != nil && len(model.friends.PendingIncoming) > 0 {
		first := model.friends.PendingIncoming[0]
		viewSections = append(viewSections, systemMessageStyle.Render(
			fmt.Sprintf("Friend request from %s <%s> (Y accept / N decline)", first.DisplayName, first.Email)))
	}

	viewSections = append(viewSections, menuHintStyle.Render("↑/↓ select • Enter chat • A add friend • R refresh • Q quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderChatView() string {
	headerSegments := []string{"PocketChat"}
	if model.chatTitle != "" {
		headerSegments = append(headerSegments, fmt.Sprintf("Chat with %s", model.chatTitle))
	}
	headerSegments = append(headerSegments, fmt.Sprintf("User %s", model.user.DisplayName))
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	sections := []string{header}
	if model.session == nil {
		return header
	}

	var statusLine string
	switch model.session.Status() {
	case StatusOnline:
		statusLine = connectedStyle.Render("Online")
	case StatusConnecting:
		statusLine = connectingStyle.Render("Connecting…")
	case StatusError:
		statusLine = errorStyle.Render("Connection lost, retrying")
	default:
		statusLine = statusStyle.Render("Offline")
	}
	if pending := model.session.PendingCount(); pending > 0 {
		statusLine += statusStyle.Render(fmt.Sprintf("  (%d sending)", pending))
	}
	sections = append(sections, statusLine)

	if model.session.HistoryError() != "" {
		sections = append(sections, errorStyle.Render(model.session.HistoryError()+"  (Esc to dismiss)"))
	}
	if model.session.LoadingHistory() {
		sections = append(sections, connectingStyle.Render("Loading history…"))
	}

	var messageLines []string
	messages := model.session.Messages()
	// messages are kept most-recent-first; render oldest at the top.
	for i := len(messages) - 1; i >= 0; i-- {
		messageLines = append(messageLines, model.renderChatMessage(messages[i]))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	sections = append(sections, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...)))
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	sections = append(sections, menuHintStyle.Render("Esc to go back"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model TUIModel) renderChatMessage(msg Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", msg.CreatedAt.Local().Format("15:04:05")))

	var nameStyle lipgloss.Style
	if msg.SenderID == model.user.ID {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(msg.Sender.DisplayName))
	}
	name := nameStyle.Render(msg.Sender.DisplayName)
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(msg.Content, "\n", "\n   "))

	line := lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText)
	if msg.Pending() {
		line = lipgloss.JoinHorizontal(lipgloss.Left, line, " ", pendingStyle.Render("(sending…)"))
	}
	return line
}

func presenceDot(online bool) string {
	if online {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("○")
}

func (model TUIModel) countOnlineFriends() int {
	if model.friends == nil {
		return 0
	}
	count := 0
	for _, f := range model.friends.Accepted {
		if f.Online {
			count++
		}
	}
	return count
}

func (model TUIModel) lastMessageWith(userID string) string {
	for _, room := range model.rooms {
		if room.OtherUser.ID == userID && room.LastMessage != "" {
			preview := room.LastMessage
			if len(preview) > 40 {
				preview = preview[:40] + "…"
			}
			return preview
		}
	}
	return ""
}

func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
