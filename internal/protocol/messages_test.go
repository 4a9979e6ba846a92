package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want MessageType
	}{
		{"auth", `{"type":"auth","credential":"tok-1"}`, TypeAuth},
		{"find_match", `{"type":"find_match","mode":"video"}`, TypeFindMatch},
		{"cancel_find", `{"type":"cancel_find","mode":"audio"}`, TypeCancelFind},
		{"call_user", `{"type":"call_user","target":"u2","mode":"video"}`, TypeCallUser},
		{"call_user random", `{"type":"call_user","mode":"audio"}`, TypeCallUser},
		{"call_accept", `{"type":"call_accept","session_id":"s1"}`, TypeCallAccept},
		{"call_decline", `{"type":"call_decline","session_id":"s1"}`, TypeCallDecline},
		{"cancel_invite", `{"type":"cancel_invite","session_id":"s1"}`, TypeCancelInvite},
		{"signal", `{"type":"signal","session_id":"s1","data":{"sdp":"x"}}`, TypeSignal},
		{"hangup", `{"type":"hangup","session_id":"s1"}`, TypeHangup},
		{"presence_get", `{"type":"presence_get"}`, TypePresenceGet},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := ParseClientMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseClientMessage(%s) error = %v", tc.raw, err)
			}
			var got MessageType
			switch m := parsed.(type) {
			case Auth:
				got = m.Type
			case FindMatch:
				got = m.Type
			case CancelFind:
				got = m.Type
			case CallUser:
				got = m.Type
			case CallAccept:
				got = m.Type
			case CallDecline:
				got = m.Type
			case CancelInvite:
				got = m.Type
			case Signal:
				got = m.Type
			case Hangup:
				got = m.Type
			case PresenceGet:
				got = m.Type
			default:
				t.Fatalf("unexpected parsed type %T", parsed)
			}
			if got != tc.want {
				t.Fatalf("type = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty auth credential", `{"type":"auth","credential":""}`},
		{"bad mode", `{"type":"find_match","mode":"hologram"}`},
		{"missing session id", `{"type":"call_accept"}`},
		{"signal without data", `{"type":"signal","session_id":"s1"}`},
		{"not json", `{{{`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("ParseClientMessage(%s) error = nil, want error", tc.raw)
			}
		})
	}
}

func TestParseClientMessageUnsupportedType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"teleport"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestSignalPayloadIsOpaque(t *testing.T) {
	raw := `{"type":"signal","session_id":"s1","data":{"candidate":"a=1","weird":[1,null,"x"]}}`
	parsed, err := ParseClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseClientMessage error = %v", err)
	}
	sig, ok := parsed.(Signal)
	if !ok {
		t.Fatalf("parsed type = %T, want Signal", parsed)
	}
	want := `{"candidate":"a=1","weird":[1,null,"x"]}`
	if string(sig.Data) != want {
		t.Fatalf("payload = %s, want untouched %s", sig.Data, want)
	}
}
