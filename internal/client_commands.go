package internal

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// restHistoryLoader runs history fetches off the event loop and delivers
// results back as bubbletea messages.
type restHistoryLoader struct {
	client  *RESTClient
	deliver func(tea.Msg)
}

func (l *restHistoryLoader) LoadHistory(roomID string, limit int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()
		page, err := l.client.RoomMessages(ctx, roomID, limit)
		if l.deliver == nil {
			return
		}
		if err != nil {
			l.deliver(historyFailedMsg{roomID: roomID, err: err})
			return
		}
		l.deliver(historyLoadedMsg{roomID: roomID, page: *page})
	}()
}

// historyTimeoutCmd clears the loading spinner after the bounded wait even
// when the fetch is still in flight.
func historyTimeoutCmd(roomID string) tea.Cmd {
	return tea.Tick(HistoryLoadTimeout, func(time.Time) tea.Msg {
		return historyTimeoutMsg{roomID: roomID}
	})
}

func (model *TUIModel) signInCmd(email, password string) tea.Cmd {
	return func() tea.Msg {
		resp, err := model.rest.SignIn(context.Background(), email, password)
		if err != nil {
			return authFailedMsg{err: err}
		}
		return signedInMsg{user: resp.User}
	}
}

func (model *TUIModel) signUpCmd(email, password, displayName string) tea.Cmd {
	return func() tea.Msg {
		resp, err := model.rest.SignUp(context.Background(), email, password, displayName)
		if err != nil {
			return authFailedMsg{err: err}
		}
		return signedInMsg{user: resp.User}
	}
}

// loadProfileCmd probes the stored credential. The REST client's refresh
// path runs underneath it, so an expired access token still succeeds as long
// as the refresh token holds.
func (model *TUIModel) loadProfileCmd() tea.Cmd {
	return func() tea.Msg {
		user, err := model.rest.Me(context.Background())
		if err != nil {
			return authFailedMsg{err: err}
		}
		return signedInMsg{user: *user}
	}
}

func (model *TUIModel) loadRoomsCmd() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		friends, err := model.rest.Friends(ctx)
		if err != nil {
			return roomsFailedMsg{err: err}
		}
		rooms, err := model.rest.Rooms(ctx)
		if err != nil {
			return roomsFailedMsg{err: err}
		}
		return roomsLoadedMsg{rooms: rooms, friends: friends}
	}
}

func (model *TUIModel) openRoomCmd(friendID string) tea.Cmd {
	return func() tea.Msg {
		room, err := model.rest.OpenDirectRoom(context.Background(), friendID)
		if err != nil {
			return roomsFailedMsg{err: err}
		}
		return roomOpenedMsg{room: *room}
	}
}

func (model *TUIModel) addFriendCmd(email string) tea.Cmd {
	return func() tea.Msg {
		if err := model.rest.SendFriendRequest(context.Background(), email); err != nil {
			return friendActionMsg{err: err}
		}
		return friendActionMsg{}
	}
}

func (model *TUIModel) respondFriendCmd(userID string, accept bool) tea.Cmd {
	return func() tea.Msg {
		if err := model.rest.RespondFriendRequest(context.Background(), userID, accept); err != nil {
			return friendActionMsg{err: err}
		}
		return friendActionMsg{}
	}
}

// RunClient wires the credential store, REST client, and shared channel
// manager into the TUI and runs it until the user quits.
func RunClient(apiURL, socketURL, credentialsPath string) error {
	creds := NewCredentialStore(credentialsPath)
	rest := NewRESTClient(apiURL, creds)
	channel := NewChannelManager(socketURL)
	loader := &restHistoryLoader{client: rest}

	model := NewTUIModel(rest, channel, creds, loader)
	program := tea.NewProgram(model, tea.WithAltScreen())

	// Everything below runs on the manager's goroutines; program.Send is the
	// bridge back onto the event loop.
	loader.deliver = program.Send
	model.ackSink = func(tempID string, ack SendAck) {
		program.Send(sendAckMsg{tempID: tempID, ack: ack})
	}
	channel.Subscribe(&ChannelHandlers{
		OnConnect:      func() { program.Send(channelConnectedMsg{}) },
		OnDisconnect:   func(reason string) { program.Send(channelDisconnectedMsg{reason: reason}) },
		OnConnectError: func(err error) { program.Send(channelErrorMsg{err: err}) },
		OnMessage:      func(dto MessageDTO) { program.Send(channelPushMsg{dto: dto}) },
		OnHistory:      func(page History) { program.Send(channelHistoryMsg{page: page}) },
	})
	defer channel.Disconnect()

	_, err := program.Run()
	return err
}
