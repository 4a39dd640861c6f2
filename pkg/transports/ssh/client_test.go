package ssh

import (
	"context"
	"errors"
	"io/fs"
	"testing"

	"github.com/pkg/sftp"
)

func newDisconnectedClient(t *testing.T) *Client {
	t.Helper()

	config := DefaultConfig("example.com", "testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestNewClient_InvalidConfig(t *testing.T) {
	_, err := NewClient(&Config{})
	if err == nil {
		t.Fatal("expected error for empty config, got nil")
	}
}

func TestClient_OperationsRequireConnection(t *testing.T) {
	client := newDisconnectedClient(t)
	ctx := context.Background()

	if err := client.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail when disconnected")
	}

	if _, err := client.ReadFile(ctx, "/remote/file"); err == nil {
		t.Error("expected read to fail when disconnected")
	}

	if err := client.WriteFile(ctx, "/remote/file", []byte("x"), 0o644); err == nil {
		t.Error("expected write to fail when disconnected")
	}

	if _, err := client.Stat("/remote/file"); err == nil {
		t.Error("expected stat to fail when disconnected")
	}

	var terr *TransportError
	err := client.HealthCheck(ctx)
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if terr.Op != "healthcheck" {
		t.Errorf("expected op 'healthcheck', got '%s'", terr.Op)
	}
	if terr.Temporary() {
		t.Error("expected not-connected error to be permanent")
	}
}

func TestClient_CloseWithoutConnect(t *testing.T) {
	client := newDisconnectedClient(t)

	if err := client.Close(); err != nil {
		t.Errorf("expected close on disconnected client to succeed, got: %v", err)
	}
}

func TestClient_ConnectionInfo(t *testing.T) {
	client := newDisconnectedClient(t)

	info := client.ConnectionInfo()
	if info.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", info.Host)
	}
	if info.Port != 22 {
		t.Errorf("expected port 22, got %d", info.Port)
	}
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("underlying")
	err := &TransportError{Op: "upload", Err: inner, IsTemporary: true}

	if err.Error() != "upload: underlying" {
		t.Errorf("unexpected error string: %s", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}
	if !err.Temporary() {
		t.Error("expected error to be temporary")
	}
}

func TestIsNotExist(t *testing.T) {
	if IsNotExist(nil) {
		t.Error("nil error should not be not-exist")
	}

	if !IsNotExist(fs.ErrNotExist) {
		t.Error("fs.ErrNotExist should be not-exist")
	}

	wrapped := &TransportError{Op: "stat", Err: fs.ErrNotExist}
	if !IsNotExist(wrapped) {
		t.Error("wrapped fs.ErrNotExist should be not-exist")
	}

	status := &sftp.StatusError{Code: uint32(sftp.ErrSSHFxNoSuchFile)}
	if !IsNotExist(&TransportError{Op: "stat", Err: status}) {
		t.Error("sftp no-such-file status should be not-exist")
	}

	if IsNotExist(errors.New("boom")) {
		t.Error("arbitrary error should not be not-exist")
	}
}
