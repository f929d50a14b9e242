package domain

import (
	"encoding/json"
	"time"
)

// Action tags the purpose of an event, both inbound from clients and outbound to them.
type Action string

const (
	// Presence
	ActionLogin           Action = "login"
	ActionLogout          Action = "logout"
	ActionRefresh         Action = "refresh"
	ActionOfflineMessages Action = "offlineMessages"

	// Signaling
	ActionOfferFile       Action = "offerFile"
	ActionOfferCall       Action = "offerCall"
	ActionReplyFile       Action = "replyFile"
	ActionReplyCall       Action = "replyCall"
	ActionAcceptFile      Action = "acceptFile"
	ActionAcceptCall      Action = "acceptCall"
	ActionRetryFile       Action = "retryFile"
	ActionProxy           Action = "sendRtcData"
	ActionCloseFile       Action = "destroyFileConnection"
	ActionCloseCall       Action = "destroyCallConnection"
	ActionCancelCall      Action = "cancelCallConnection"
	ActionSetConnectionID Action = "setConnectionId"

	// Chat
	ActionPing          Action = "ping"
	ActionPong          Action = "pong"
	ActionSendMessage   Action = "sendMessage"
	ActionPrintMessage  Action = "printMessage"
	ActionLoadMessages  Action = "loadMessages"
	ActionEditMessage   Action = "editMessage"
	ActionDeleteMessage Action = "deleteMessage"
	ActionCreateRoom    Action = "addRoom"
	ActionCreateDirect  Action = "addDirectChannel"
	ActionInviteUser    Action = "inviteUser"
	ActionAddUserToRoom Action = "addUserToRoom"
	ActionDeleteRoom    Action = "deleteRoom"

	ActionWelcome Action = "welcome"
	ActionError   Action = "error"
)

// InboundActions lists every action a client may send. A session refuses to start
// unless each one has a registered handler.
var InboundActions = []Action{
	ActionOfferFile,
	ActionOfferCall,
	ActionReplyFile,
	ActionReplyCall,
	ActionAcceptFile,
	ActionAcceptCall,
	ActionRetryFile,
	ActionProxy,
	ActionCloseFile,
	ActionCloseCall,
	ActionCancelCall,
	ActionPing,
	ActionSendMessage,
	ActionLoadMessages,
	ActionEditMessage,
	ActionCreateRoom,
	ActionCreateDirect,
	ActionInviteUser,
	ActionDeleteRoom,
}

// HandlerName tells the client which of its modules must process an outbound event.
type HandlerName string

const (
	// HandlerWebRTC routes to the client module that opens new peer connections.
	HandlerWebRTC         HandlerName = "webrtc"
	HandlerPeerConnection HandlerName = "peerConnection"
	HandlerTransfer       HandlerName = "webrtcTransfer"
	HandlerChat           HandlerName = "chat"
	HandlerChannels       HandlerName = "channels"
	HandlerGrowl          HandlerName = "growl"
)

// Event is the envelope exchanged with clients and carried over the bus.
type Event struct {
	Action       Action          `json:"event"`
	Channel      ChannelID       `json:"channel,omitempty"`
	ConnectionID SignalingID     `json:"connectionId,omitempty"`
	OpponentID   ConnectionID    `json:"opponentId,omitempty"`
	HandlerName  HandlerName     `json:"handlerName,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`

	// Set on offers so the client can match the generated connection id to its request.
	QueuedID string `json:"queuedId,omitempty"`

	UserID    UserID       `json:"userId,omitempty"`
	RoomID    ChannelID    `json:"roomId,omitempty"`
	RoomName  string       `json:"roomName,omitempty"`
	MessageID int64        `json:"messageId,omitempty"`
	HeaderID  int64        `json:"headerId,omitempty"`
	Count     int          `json:"count,omitempty"`
	Online    []UserID     `json:"online,omitempty"`
	Users     []UserID     `json:"users,omitempty"`
	Messages  []Message    `json:"messages,omitempty"`
	Message   *Message     `json:"message,omitempty"`
	Rooms     []Room       `json:"rooms,omitempty"`
	Self      ConnectionID `json:"self,omitempty"`
	Error     string       `json:"error,omitempty"`
	Code      string       `json:"code,omitempty"`
	Time      int64        `json:"time,omitempty"`

	ICEServers json.RawMessage `json:"iceServers,omitempty"`
}

// Clone returns a shallow copy that can be modified without touching the original.
func (e *Event) Clone() *Event {
	c := *e
	return &c
}

// Stamp sets the event time to now in milliseconds.
func (e *Event) Stamp() *Event {
	e.Time = time.Now().UnixMilli()
	return e
}

// ContentString decodes the content as a JSON string. Non-string content yields "".
func (e *Event) ContentString() string {
	if len(e.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err != nil {
		return ""
	}
	return s
}

// StringContent encodes s as event content.
func StringContent(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
