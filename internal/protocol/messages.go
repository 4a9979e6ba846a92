package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Inbound (client -> server).
	TypeAuth         MessageType = "auth"
	TypeFindMatch    MessageType = "find_match"
	TypeCancelFind   MessageType = "cancel_find"
	TypeCallUser     MessageType = "call_user"
	TypeCallAccept   MessageType = "call_accept"
	TypeCallDecline  MessageType = "call_decline"
	TypeCancelInvite MessageType = "cancel_invite"
	TypeSignal       MessageType = "signal"
	TypeHangup       MessageType = "hangup"
	TypePresenceGet  MessageType = "presence_get"

	// Outbound (server -> client).
	TypeAuthOK        MessageType = "auth_ok"
	TypeAuthError     MessageType = "auth_error"
	TypePresence      MessageType = "presence"
	TypeQueued        MessageType = "queued"
	TypeOutgoingCall  MessageType = "outgoing_call"
	TypeIncomingCall  MessageType = "incoming_call"
	TypeCallAccepted  MessageType = "call_accepted"
	TypeCallDeclined  MessageType = "call_declined"
	TypeCallCancelled MessageType = "call_cancelled"
	TypeCallTimeout   MessageType = "call_timeout"
	TypeCallMissed    MessageType = "call_missed"
	TypePeerHangup    MessageType = "peer_hangup"
	TypeCallSummary   MessageType = "call_summary"
	TypeCallError     MessageType = "call_error"
)

// Call error codes surfaced to clients.
const (
	CodePreferencesIncomplete = "preferences_incomplete"
	CodeNotCompatible         = "not_compatible"
	CodeLowBalance            = "low_balance"
	CodePeerLowBalance        = "peer_low_balance"
	CodePeerBusy              = "peer_busy"
	CodePeerOffline           = "peer_offline"
	CodeNoPartner             = "no_partner"
	CodeInvalidMode           = "invalid_mode"
	CodeBillingUnavailable    = "billing_unavailable"
)

// ModeAudio and ModeVideo partition the matchmaking queues.
const (
	ModeAudio = "audio"
	ModeVideo = "video"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type Auth struct {
	Type       MessageType `json:"type"`
	Credential string      `json:"credential"`
}

type FindMatch struct {
	Type MessageType `json:"type"`
	Mode string      `json:"mode"`
}

type CancelFind struct {
	Type MessageType `json:"type"`
	Mode string      `json:"mode"`
}

type CallUser struct {
	Type MessageType `json:"type"`
	// Target is the identity to ring. Empty means "pick a random
	// compatible free user".
	Target string `json:"target"`
	Mode   string `json:"mode"`
}

type CallAccept struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type CallDecline struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type CancelInvite struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// Signal carries one opaque negotiation unit. Data is forwarded to the
// session counterpart byte-for-byte and never interpreted.
type Signal struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

type Hangup struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type PresenceGet struct {
	Type MessageType `json:"type"`
}

type AuthOK struct {
	Type     MessageType `json:"type"`
	Identity string      `json:"identity"`
}

type AuthError struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// PresenceUser is one row of the online snapshot.
type PresenceUser struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Gender   string `json:"gender"`
	Language string `json:"language"`
	Location string `json:"location"`
	Free     bool   `json:"free"`
}

type Presence struct {
	Type  MessageType    `json:"type"`
	Users []PresenceUser `json:"users"`
}

type Queued struct {
	Type MessageType `json:"type"`
	Mode string      `json:"mode"`
}

// Counterpart is the public profile of the other party of a call.
type Counterpart struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Language string `json:"language"`
}

type OutgoingCall struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Mode      string      `json:"mode"`
	To        Counterpart `json:"to"`
}

type IncomingCall struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Mode      string      `json:"mode"`
	From      Counterpart `json:"from"`
}

// Signaling roles. Exactly one side of an accepted call is the offerer.
const (
	RoleOfferer  = "offerer"
	RoleAnswerer = "answerer"
)

type CallAccepted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Role      string      `json:"role"`
	Mode      string      `json:"mode"`
}

type CallDeclined struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type CallCancelled struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type CallTimeout struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type CallMissed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type PeerHangup struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type CallSummary struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	DurationMS   int64       `json:"duration_ms"`
	BillingDelta int64       `json:"billing_delta"`
}

type CallError struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

// ParseClientMessage decodes one inbound frame into its typed struct.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAuth:
		var msg Auth
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Credential == "" {
			return nil, errors.New("invalid auth")
		}
		return msg, nil
	case TypeFindMatch:
		var msg FindMatch
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if !ValidMode(msg.Mode) {
			return nil, errors.New("invalid find_match")
		}
		return msg, nil
	case TypeCancelFind:
		var msg CancelFind
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if !ValidMode(msg.Mode) {
			return nil, errors.New("invalid cancel_find")
		}
		return msg, nil
	case TypeCallUser:
		var msg CallUser
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if !ValidMode(msg.Mode) {
			return nil, errors.New("invalid call_user")
		}
		return msg, nil
	case TypeCallAccept:
		var msg CallAccept
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid call_accept")
		}
		return msg, nil
	case TypeCallDecline:
		var msg CallDecline
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid call_decline")
		}
		return msg, nil
	case TypeCancelInvite:
		var msg CancelInvite
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid cancel_invite")
		}
		return msg, nil
	case TypeSignal:
		var msg Signal
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || len(msg.Data) == 0 {
			return nil, errors.New("invalid signal")
		}
		return msg, nil
	case TypeHangup:
		var msg Hangup
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid hangup")
		}
		return msg, nil
	case TypePresenceGet:
		return PresenceGet{Type: TypePresenceGet}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ValidMode reports whether mode names a supported call medium.
func ValidMode(mode string) bool {
	return mode == ModeAudio || mode == ModeVideo
}

// TypeOf extracts the message type from any protocol struct.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Auth:
		return m.Type, true
	case FindMatch:
		return m.Type, true
	case CancelFind:
		return m.Type, true
	case CallUser:
		return m.Type, true
	case CallAccept:
		return m.Type, true
	case CallDecline:
		return m.Type, true
	case CancelInvite:
		return m.Type, true
	case Signal:
		return m.Type, true
	case Hangup:
		return m.Type, true
	case PresenceGet:
		return m.Type, true
	case AuthOK:
		return m.Type, true
	case AuthError:
		return m.Type, true
	case Presence:
		return m.Type, true
	case Queued:
		return m.Type, true
	case OutgoingCall:
		return m.Type, true
	case IncomingCall:
		return m.Type, true
	case CallAccepted:
		return m.Type, true
	case CallDeclined:
		return m.Type, true
	case CallCancelled:
		return m.Type, true
	case CallTimeout:
		return m.Type, true
	case CallMissed:
		return m.Type, true
	case PeerHangup:
		return m.Type, true
	case CallSummary:
		return m.Type, true
	case CallError:
		return m.Type, true
	default:
		return "", false
	}
}
