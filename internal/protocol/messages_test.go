package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sation/messenger/internal/store"
)

const chatUUID = "7b0c3e1e-8a4f-4f7e-9a43-2f1c0d2f9b10"

// ---------------------------------------------------------------------------
// Test: Parsing a valid create_chat message
// ---------------------------------------------------------------------------

func TestParseClientMessage_CreateChat(t *testing.T) {
	input := []byte(`{"type":"create_chat","name":"Trip","login":"bob"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeCreateChat {
		t.Fatalf("expected type %q, got %q", TypeCreateChat, msgType)
	}

	cm, ok := msg.(CreateChatMsg)
	if !ok {
		t.Fatalf("expected CreateChatMsg, got %T", msg)
	}
	if cm.Name != "Trip" || cm.Login != "bob" {
		t.Errorf("unexpected payload: %+v", cm)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","chat_id":"` + chatUUID + `","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ChatID != chatUUID {
		t.Errorf("expected chat_id %q, got %q", chatUUID, sm.ChatID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Validation failures are reported as decode errors
// ---------------------------------------------------------------------------

func TestParseClientMessage_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"missing chat_id", `{"type":"delete_chat"}`},
		{"non-uuid chat_id", `{"type":"send_message","chat_id":"abc","content":"x"}`},
		{"empty content", `{"type":"send_message","chat_id":"` + chatUUID + `","content":""}`},
		{"zero message_id", `{"type":"edit_message","message_id":0,"content":"x"}`},
		{"negative user_id", `{"type":"remove_member","chat_id":"` + chatUUID + `","user_id":-1}`},
		{"missing login", `{"type":"create_chat","name":"Trip"}`},
		{"wrong field type", `{"type":"delete_message","message_id":"7"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tc.input))
			if err == nil {
				t.Fatalf("expected error, got message %+v", msg)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only event types are rejected from clients
// ---------------------------------------------------------------------------

func TestParseClientMessage_RejectsServerEvents(t *testing.T) {
	input := []byte(`{"type":"chat_deleted","chat_id":"` + chatUUID + `"}`)
	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected error for server-only type")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating an error server message
// ---------------------------------------------------------------------------

func TestNewErrorMessage(t *testing.T) {
	data := NewErrorMessage(CodeForbidden, "not a member", TypeSendMessage)

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeError {
		t.Errorf("expected type %q, got %v", TypeError, result["type"])
	}
	if result["code"] != CodeForbidden {
		t.Errorf("expected code %q, got %v", CodeForbidden, result["code"])
	}
	if result["request"] != TypeSendMessage {
		t.Errorf("expected request %q, got %v", TypeSendMessage, result["request"])
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeSessionCreated, SessionCreatedMsg{SessionID: "s1", UserID: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded SessionCreatedMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeSessionCreated {
		t.Errorf("type mismatch: expected %q, got %q", TypeSessionCreated, decoded.Type)
	}
	if decoded.SessionID != "s1" || decoded.UserID != 7 {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Events decode from frames and never leak their audience
// ---------------------------------------------------------------------------

func TestEvent_EncodeParse(t *testing.T) {
	created := time.Date(2024, 3, 9, 18, 30, 0, 0, time.UTC)
	ev := Event{
		Kind:   EventMessageCreated,
		ChatID: chatUUID,
		Message: &store.Message{
			ID: 11, ChatID: chatUUID, SenderID: 3, Content: "hi", CreatedAt: created,
		},
		Audience: []int64{3, 4},
	}

	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if _, leaked := raw["audience"]; leaked {
		t.Error("audience must not be serialized")
	}
	if _, leaked := raw["Audience"]; leaked {
		t.Error("audience must not be serialized")
	}

	parsed, ok, err := ParseServerEvent(data)
	if err != nil || !ok {
		t.Fatalf("ParseServerEvent: ok=%v err=%v", ok, err)
	}
	if parsed.Kind != EventMessageCreated || parsed.ChatID != chatUUID {
		t.Errorf("unexpected event header: %+v", parsed)
	}
	if parsed.Message == nil || parsed.Message.ID != 11 || !parsed.Message.CreatedAt.Equal(created) {
		t.Errorf("unexpected message: %+v", parsed.Message)
	}
	if parsed.Audience != nil {
		t.Errorf("expected no audience after decode, got %v", parsed.Audience)
	}
}

func TestParseServerEvent_NonEvent(t *testing.T) {
	_, ok, err := ParseServerEvent([]byte(`{"type":"pong"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("pong must not decode as an event")
	}

	if _, err := (Event{Kind: "bogus"}).Encode(); err == nil {
		t.Error("expected error encoding unknown kind")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"create_chat", `{"type":"create_chat","name":"n","login":"bob"}`, TypeCreateChat},
		{"delete_chat", `{"type":"delete_chat","chat_id":"` + chatUUID + `"}`, TypeDeleteChat},
		{"invite_member", `{"type":"invite_member","chat_id":"` + chatUUID + `","login":"bob"}`, TypeInviteMember},
		{"remove_member", `{"type":"remove_member","chat_id":"` + chatUUID + `","user_id":2}`, TypeRemoveMember},
		{"send_message", `{"type":"send_message","chat_id":"` + chatUUID + `","content":"hi"}`, TypeSendMessage},
		{"edit_message", `{"type":"edit_message","message_id":5,"content":"hi"}`, TypeEditMessage},
		{"delete_message", `{"type":"delete_message","message_id":5}`, TypeDeleteMessage},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
