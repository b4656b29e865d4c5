package internal

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type (
	signedInMsg   struct{ user UserProfile }
	authFailedMsg struct{ err error }

	roomsLoadedMsg struct {
		rooms   []RoomSummary
		friends *FriendsResponse
	}
	roomsFailedMsg  struct{ err error }
	roomOpenedMsg   struct{ room RoomSummary }
	friendActionMsg struct{ err error }

	historyLoadedMsg struct {
		roomID string
		page   History
	}
	historyFailedMsg struct {
		roomID string
		err    error
	}
	historyTimeoutMsg struct{ roomID string }

	channelConnectedMsg    struct{}
	channelDisconnectedMsg struct{ reason string }
	channelErrorMsg        struct{ err error }
	channelPushMsg         struct{ dto MessageDTO }
	channelHistoryMsg      struct{ page History }
	sendAckMsg             struct {
		tempID string
		ack    SendAck
	}
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			return model, tea.Quit
		}
		return model.updateKey(typedMessage)

	case signedInMsg:
		model.loading = false
		model.notice = ""
		model.user = typedMessage.user
		model.mode = modeRooms
		model.textInput.Blur()
		model.textInput.SetValue("")
		model.textInput.EchoMode = textinput.EchoNormal
		model.loading = true
		model.channel.Connect(model.creds.AccessToken())
		return model, model.loadRoomsCmd()

	case authFailedMsg:
		model.loading = false
		model.notice = typedMessage.err.Error()
		if model.mode != modeAuthMenu {
			model.resetToAuthMenu()
		}
		return model, nil

	case roomsLoadedMsg:
		model.loading = false
		model.rooms = typedMessage.rooms
		model.friends = typedMessage.friends
		if model.friends != nil && model.selectedIndex >= len(model.friends.Accepted) {
			model.selectedIndex = 0
		}
		return model, nil

	case roomsFailedMsg:
		model.loading = false
		model.notice = typedMessage.err.Error()
		return model, nil

	case roomOpenedMsg:
		model.loading = false
		return model, model.openChat(typedMessage.room.ID, typedMessage.room.Title)

	case friendActionMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.notice = typedMessage.err.Error()
			return model, nil
		}
		model.notice = ""
		if model.mode == modeAddFriend {
			model.mode = modeRooms
			model.textInput.Blur()
			model.textInput.SetValue("")
		}
		model.loading = true
		return model, model.loadRoomsCmd()

	case historyLoadedMsg:
		if model.session != nil {
			model.session.ApplyHistory(typedMessage.roomID, typedMessage.page)
		}
		return model, nil

	case historyFailedMsg:
		if model.session != nil {
			model.session.ApplyHistoryError(typedMessage.roomID, typedMessage.err)
		}
		return model, nil

	case historyTimeoutMsg:
		if model.session != nil && model.session.RoomID() == typedMessage.roomID {
			model.session.HandleLoadingTimeout()
		}
		return model, nil

	case channelConnectedMsg:
		if model.session != nil {
			model.session.HandleConnected()
		}
		return model, nil

	case channelDisconnectedMsg:
		if model.session != nil {
			model.session.HandleDisconnected(typedMessage.reason)
		}
		return model, nil

	case channelErrorMsg:
		if model.session != nil {
			model.session.HandleConnectError(typedMessage.err)
		}
		return model, nil

	case channelPushMsg:
		if model.session != nil {
			model.session.HandleMessage(typedMessage.dto)
		}
		return model, nil

	case channelHistoryMsg:
		if model.session != nil {
			model.session.HandleHistoryPush(typedMessage.page)
		}
		return model, nil

	case sendAckMsg:
		if model.session != nil {
			model.session.ApplyAck(typedMessage.tempID, typedMessage.ack)
		}
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch model.mode {
	case modeAuthMenu:
		switch key.String() {
		case "1", "l", "L":
			return model.startAuthPrompt(authIntentSignin)
		case "2", "s", "S":
			return model.startAuthPrompt(authIntentSignup)
		case "q", "Q":
			return model, tea.Quit
		}
		return model, nil

	case modeAuthEmail:
		switch key.Type {
		case tea.KeyEnter:
			trimmed := strings.TrimSpace(model.textInput.Value())
			if trimmed == "" {
				return model, nil
			}
			model.email = trimmed
			model.mode = modeAuthPassword
			model.textInput.SetValue("")
			model.textInput.Placeholder = "Password"
			model.textInput.Prompt = "password> "
			model.textInput.EchoMode = textinput.EchoPassword
			return model, nil
		case tea.KeyEsc:
			model.resetToAuthMenu()
			return model, nil
		}

	case modeAuthPassword:
		switch key.Type {
		case tea.KeyEnter:
			password := model.textInput.Value()
			if password == "" {
				return model, nil
			}
			model.password = password
			model.textInput.SetValue("")
			model.textInput.EchoMode = textinput.EchoNormal
			if model.authIntent == authIntentSignup {
				model.mode = modeAuthDisplayName
				model.textInput.Placeholder = "Display name"
				model.textInput.Prompt = "name> "
				return model, nil
			}
			model.loading = true
			return model, model.signInCmd(model.email, model.password)
		case tea.KeyEsc:
			model.resetToAuthMenu()
			return model, nil
		}

	case modeAuthDisplayName:
		switch key.Type {
		case tea.KeyEnter:
			name := strings.TrimSpace(model.textInput.Value())
			if name == "" {
				return model, nil
			}
			model.loading = true
			return model, model.signUpCmd(model.email, model.password, name)
		case tea.KeyEsc:
			model.resetToAuthMenu()
			return model, nil
		}

	case modeRooms:
		switch key.String() {
		case "up", "k":
			if model.selectedIndex > 0 {
				model.selectedIndex--
			}
			return model, nil
		case "down", "j":
			if model.friends != nil && model.selectedIndex < len(model.friends.Accepted)-1 {
				model.selectedIndex++
			}
			return model, nil
		case "enter":
			if friend := model.selectedFriend(); friend != nil {
				model.loading = true
				return model, model.openRoomCmd(friend.ID)
			}
			return model, nil
		case "a", "A":
			model.mode = modeAddFriend
			model.textInput.SetValue("")
			model.textInput.Placeholder = "friend@example.com"
			model.textInput.Prompt = "email> "
			return model, model.textInput.Focus()
		case "y", "Y":
			if model.friends != nil && len(model.friends.PendingIncoming) > 0 {
				model.loading = true
				return model, model.respondFriendCmd(model.friends.PendingIncoming[0].ID, true)
			}
			return model, nil
		case "n", "N":
			if model.friends != nil && len(model.friends.PendingIncoming) > 0 {
				model.loading = true
				return model, model.respondFriendCmd(model.friends.PendingIncoming[0].ID, false)
			}
			return model, nil
		case "r", "R":
			model.loading = true
			return model, model.loadRoomsCmd()
		case "q", "Q":
			return model, tea.Quit
		}
		return model, nil

	case modeAddFriend:
		switch key.Type {
		case tea.KeyEnter:
			email := strings.TrimSpace(model.textInput.Value())
			if email == "" {
				return model, nil
			}
			model.loading = true
			return model, model.addFriendCmd(email)
		case tea.KeyEsc:
			model.mode = modeRooms
			model.textInput.Blur()
			model.textInput.SetValue("")
			return model, nil
		}

	case modeChat:
		switch key.Type {
		case tea.KeyEnter:
			if model.session != nil && model.session.Send(model.textInput.Value()) {
				model.textInput.SetValue("")
			}
			return model, nil
		case tea.KeyEsc:
			// Esc dismisses the error banner first; a second press leaves.
			if model.session != nil && model.session.HistoryError() != "" {
				model.session.ClearHistoryError()
				return model, nil
			}
			return model, model.leaveChat()
		}
	}

	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) startAuthPrompt(intent authIntentType) (tea.Model, tea.Cmd) {
	model.authIntent = intent
	model.mode = modeAuthEmail
	model.notice = ""
	model.textInput.SetValue("")
	model.textInput.Placeholder = "you@example.com"
	model.textInput.Prompt = "email> "
	return model, model.textInput.Focus()
}

func (model *TUIModel) resetToAuthMenu() {
	model.mode = modeAuthMenu
	model.email = ""
	model.password = ""
	model.textInput.SetValue("")
	model.textInput.Blur()
	model.textInput.EchoMode = textinput.EchoNormal
}
