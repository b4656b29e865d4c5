package internal

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthEmail
	modeAuthPassword
	modeAuthDisplayName
	modeRooms
	modeAddFriend
	modeChat
)

type authIntentType int

const (
	authIntentSignin authIntentType = iota
	authIntentSignup
)

// TUIModel drives the whole client: authentication, the friends/rooms
// screen, and the chat view backed by a ChatSession.
type TUIModel struct {
	textInput textinput.Model

	rest    *RESTClient
	channel *ChannelManager
	creds   *CredentialStore
	loader  *restHistoryLoader
	session *ChatSession

	// ackSink forwards send acknowledgments from the channel goroutine into
	// the bubbletea loop; the wiring in RunClient points it at program.Send.
	ackSink func(tempID string, ack SendAck)

	mode       appMode
	authIntent authIntentType
	email      string
	password   string

	user          UserProfile
	friends       *FriendsResponse
	rooms         []RoomSummary
	selectedIndex int
	chatTitle     string

	loading bool
	notice  string
}

func NewTUIModel(rest *RESTClient, channel *ChannelManager, creds *CredentialStore, loader *restHistoryLoader) *TUIModel {
	input := textinput.New()
	input.CharLimit = 0
	input.Prompt = "> "

	return &TUIModel{
		textInput: input,
		rest:      rest,
		channel:   channel,
		creds:     creds,
		loader:    loader,
		mode:      modeAuthMenu,
	}
}

func (model *TUIModel) Init() tea.Cmd {
	// A stored credential skips the auth menu; a failed probe falls back to it.
	if model.creds.AccessToken() != "" || model.creds.RefreshToken() != "" {
		model.loading = true
		return model.loadProfileCmd()
	}
	return nil
}

// openChat shows a room in the chat view. An already open session is reused
// via SwitchRoom so the previous chat room key gets its single leave_room;
// otherwise a fresh session starts its history load and connection.
func (model *TUIModel) openChat(roomID, title string) tea.Cmd {
	model.chatTitle = title
	model.mode = modeChat
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message…"
	model.textInput.Prompt = "> "
	focusCmd := model.textInput.Focus()

	if model.session != nil {
		model.session.SwitchRoom(roomID)
		return tea.Batch(focusCmd, historyTimeoutCmd(roomID))
	}

	session := NewChatSession(model.loader, model.channel)
	session.AckSink = model.ackSink
	model.session = session

	session.Open(roomID, model.creds.AccessToken(), Sender{
		ID:          model.user.ID,
		DisplayName: model.user.DisplayName,
		AvatarURL:   model.user.AvatarURL,
	})
	return tea.Batch(focusCmd, historyTimeoutCmd(roomID))
}

// leaveChat returns to the rooms screen. The shared connection stays up.
func (model *TUIModel) leaveChat() tea.Cmd {
	if model.session != nil {
		model.session.Close()
		model.session = nil
	}
	model.mode = modeRooms
	model.textInput.Blur()
	model.textInput.SetValue("")
	model.loading = true
	return model.loadRoomsCmd()
}

func (model *TUIModel) selectedFriend() *FriendDTO {
	if model.friends == nil || len(model.friends.Accepted) == 0 {
		return nil
	}
	if model.selectedIndex < 0 || model.selectedIndex >= len(model.friends.Accepted) {
		return nil
	}
	return &model.friends.Accepted[model.selectedIndex]
}
