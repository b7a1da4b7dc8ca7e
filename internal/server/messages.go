package server

import (
	"net/http"
	"time"

	"github.com/campuslink/realtime/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Typing      *Typing      `json:"typing,omitempty"`
	SendMessage *SendMessage `json:"send_message,omitempty"`
	UserId      string       `json:"-"`
	client      *Client
}

type Typing struct {
	To string `json:"to"`
}

// SendMessage asks the server to fan out a message the client has already
// persisted through the REST api. From is informational only.
type SendMessage struct {
	Message types.Message `json:"message"`
	To      string        `json:"to"`
	From    string        `json:"from"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	OnlineUsers  *Roster        `json:"online_users,omitempty"`
	Typing       *TypingNotice  `json:"typing,omitempty"`
	NewMessage   *types.Message `json:"new_message,omitempty"`
	MessagesSeen *MessagesSeen  `json:"messages_seen,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// Roster is the full set of online user ids.
type Roster []string

type TypingNotice struct {
	From string `json:"from"`
}

type MessagesSeen struct {
	By   string    `json:"by"`
	Upto time.Time `json:"upto"`
}

func rosterMessage(userIds []string) *ServerMessage {
	roster := Roster(userIds)
	if roster == nil {
		roster = Roster{}
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		OnlineUsers: &roster,
	}
}

func typingMessage(from string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Typing:      &TypingNotice{From: from},
	}
}

func newMessage(msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		NewMessage:  &msg,
	}
}

func seenMessage(by string, upto time.Time) *ServerMessage {
	return &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		MessagesSeen: &MessagesSeen{By: by, Upto: upto},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
