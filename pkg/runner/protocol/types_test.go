package protocol

import (
	"encoding/json"
	"testing"
)

func TestMessageTypeValidate(t *testing.T) {
	valid := []MessageType{
		MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit,
	}
	for _, mt := range valid {
		if err := mt.Validate(); err != nil {
			t.Errorf("expected %s to be valid: %v", mt, err)
		}
	}
	if err := MessageType("PING").Validate(); err == nil {
		t.Error("expected unknown message type to be invalid")
	}
}

func TestCommandTypeStage(t *testing.T) {
	tests := []struct {
		ct   CommandType
		want string
	}{
		{CommandTypeSource, "source"},
		{CommandTypeBuild, "build"},
		{CommandTypePackage, "package"},
		{CommandType("stage.deploy"), ""},
	}
	for _, tt := range tests {
		if got := tt.ct.Stage(); got != tt.want {
			t.Errorf("%s.Stage() = %q, want %q", tt.ct, got, tt.want)
		}
	}
}

func TestCommandMessageValidate(t *testing.T) {
	params := json.RawMessage(`{"ref":"zlib/1.3.1","script":"make"}`)

	tests := []struct {
		name    string
		cmd     CommandMessage
		wantErr bool
	}{
		{
			name:    "valid",
			cmd:     CommandMessage{ID: "cmd-1", Type: CommandTypeBuild, Timeout: 30, Params: params},
			wantErr: false,
		},
		{
			name:    "missing id",
			cmd:     CommandMessage{Type: CommandTypeBuild, Timeout: 30, Params: params},
			wantErr: true,
		},
		{
			name:    "invalid type",
			cmd:     CommandMessage{ID: "cmd-1", Type: "nope", Timeout: 30, Params: params},
			wantErr: true,
		},
		{
			name:    "zero timeout",
			cmd:     CommandMessage{ID: "cmd-1", Type: CommandTypeBuild, Params: params},
			wantErr: true,
		},
		{
			name:    "missing params",
			cmd:     CommandMessage{ID: "cmd-1", Type: CommandTypeBuild, Timeout: 30},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventMessageValidate(t *testing.T) {
	evt := EventMessage{CommandID: "cmd-1", Message: "hello"}
	if err := evt.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if evt.Level != "info" {
		t.Errorf("expected default level 'info', got %q", evt.Level)
	}

	bad := EventMessage{CommandID: "cmd-1", Level: "fatal"}
	if err := bad.Validate(); err == nil {
		t.Error("expected invalid level to be rejected")
	}

	missing := EventMessage{Level: "info"}
	if err := missing.Validate(); err == nil {
		t.Error("expected missing command ID to be rejected")
	}
}
