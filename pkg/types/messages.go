package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Client -> Server calls
//
//	Connect:           [userId, userName]   -> ConnectResult
//	SendChange:        [SyncMessage]        -> bool
//	RequestMaster:     []                   -> bool
//	TransferMaster:    [newMasterUserId]    -> bool
//	Heartbeat:         []                   -> null
//	GetState:          []                   -> bytes | null
//	SaveState:         [bytes]              -> bool
//	GetConnectedUsers: []                   -> []UserInfo
//
// Server -> Client pushes
//
//	ReceiveChange:     SyncMessage
//	UserConnected:     UserInfo
//	UserDisconnected:  UserDisconnected
//	MasterTransferred: MasterTransferred
//	MasterRequested:   MasterRequested

const (
	MethodConnect           = "Connect"
	MethodSendChange        = "SendChange"
	MethodRequestMaster     = "RequestMaster"
	MethodTransferMaster    = "TransferMaster"
	MethodHeartbeat         = "Heartbeat"
	MethodGetState          = "GetState"
	MethodSaveState         = "SaveState"
	MethodGetConnectedUsers = "GetConnectedUsers"

	PushReceiveChange     = "ReceiveChange"
	PushUserConnected     = "UserConnected"
	PushUserDisconnected  = "UserDisconnected"
	PushMasterTransferred = "MasterTransferred"
	PushMasterRequested   = "MasterRequested"
)

type FrameKind string

const (
	FrameCall   FrameKind = "call"
	FrameResult FrameKind = "result"
	FramePush   FrameKind = "push"
)

// Frame is the single envelope carried by every websocket text message.
type Frame struct {
	Kind   FrameKind       `json:"kind"`
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewPush builds a server push frame. Payloads are plain structs, so a
// marshal failure is a programming error and yields a frame without params.
func NewPush(method string, payload any) Frame {
	b, _ := json.Marshal(payload)
	return Frame{Kind: FramePush, Method: method, Params: b}
}

// Message types understood by the desktop client. The hub relays any value.
const (
	MsgLocomotiveMove   = "LocomotiveMove"
	MsgLocomotiveStatus = "LocomotiveStatusChange"
	MsgTileUpdate       = "TileUpdate"
)

// SyncMessage is one change broadcast by the Master. Data is opaque to the server.
type SyncMessage struct {
	MessageID   string          `json:"messageId"`
	MessageType string          `json:"messageType"`
	UserID      string          `json:"userId"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// NewSyncMessage stamps a fresh id and UTC timestamp and marshals data.
func NewSyncMessage(messageType, userID string, data any) (SyncMessage, error) {
	msg := SyncMessage{
		MessageID:   uuid.NewString(),
		MessageType: messageType,
		UserID:      userID,
		Timestamp:   time.Now().UTC(),
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return SyncMessage{}, err
		}
		msg.Data = b
	}
	return msg, nil
}

// DecodeData unmarshals the payload into v.
func (m SyncMessage) DecodeData(v any) error {
	return json.Unmarshal(m.Data, v)
}

type LocomotiveMoveData struct {
	LocomotiveID int      `json:"locomotiveId"`
	FromTrackID  *int     `json:"fromTrackId,omitempty"`
	ToTrackID    int      `json:"toTrackId"`
	OffsetX      *float64 `json:"offsetX,omitempty"`
}

type LocomotiveStatusChangeData struct {
	LocomotiveID    int     `json:"locomotiveId"`
	Status          string  `json:"status"`
	TractionPercent *int    `json:"tractionPercent,omitempty"`
	HsReason        *string `json:"hsReason,omitempty"`
	DefautInfo      *string `json:"defautInfo,omitempty"`
	TractionInfo    *string `json:"tractionInfo,omitempty"`
}

type TileUpdateData struct {
	TileID int      `json:"tileId"`
	Name   *string  `json:"name,omitempty"`
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`
}

// UserInfo is the public view of a session (UserConnected push, GetConnectedUsers).
type UserInfo struct {
	UserID        string    `json:"userId"`
	UserName      string    `json:"userName"`
	IsMaster      bool      `json:"isMaster"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitzero"`
}

type ConnectResult struct {
	Success        bool       `json:"success"`
	IsMaster       bool       `json:"isMaster"`
	MasterID       string     `json:"masterId,omitempty"`
	ConnectedUsers []UserInfo `json:"connectedUsers"`
}

type UserDisconnected struct {
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	WasMaster     bool   `json:"wasMaster"`
	NewMasterID   string `json:"newMasterId,omitempty"`
	NewMasterName string `json:"newMasterName,omitempty"`
}

type MasterTransferred struct {
	NewMasterID   string `json:"newMasterId"`
	NewMasterName string `json:"newMasterName,omitempty"`
}

type MasterRequested struct {
	RequesterID   string `json:"requesterId"`
	RequesterName string `json:"requesterName"`
}
