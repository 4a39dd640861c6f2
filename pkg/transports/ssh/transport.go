// Package ssh provides an SSH/SFTP transport for remote artifact stores.
package ssh

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/pkg/sftp"
)

// RemoteFS is the remote file surface a store backend needs: connection
// management plus file transfer with integrity checking. Implementations
// must be safe for concurrent use.
type RemoteFS interface {
	// Connect establishes the SSH connection and opens an SFTP session.
	Connect(ctx context.Context) error

	// Close tears down the SFTP session and the SSH connection.
	Close() error

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// WriteFile writes data to a remote path, replacing any existing file.
	// The write goes through a temporary name and a rename so readers
	// never observe a partial file.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode fs.FileMode) error

	// CreateExclusive creates an empty remote file, failing if the path
	// already exists. Used for remote lock files.
	CreateExclusive(remotePath string) error

	// ReadFile reads a whole remote file.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// Open returns a reader over a remote file.
	Open(remotePath string) (io.ReadCloser, error)

	// Upload copies a local file to the remote host and returns the number
	// of bytes written.
	Upload(ctx context.Context, localPath, remotePath string, mode fs.FileMode) (int64, error)

	// Download copies a remote file to the local filesystem and returns
	// the number of bytes written.
	Download(ctx context.Context, remotePath, localPath string) (int64, error)

	// MkdirAll creates a remote directory tree.
	MkdirAll(remotePath string) error

	// Remove removes a remote file or empty directory.
	Remove(remotePath string) error

	// RemoveAll removes a remote path recursively.
	RemoveAll(remotePath string) error

	// Stat returns file info for a remote path.
	Stat(remotePath string) (os.FileInfo, error)

	// ReadDir lists a remote directory.
	ReadDir(remotePath string) ([]os.FileInfo, error)

	// Checksum streams a remote file and returns its sha256 hex digest.
	Checksum(ctx context.Context, remotePath string) (string, error)

	// ConnectionInfo returns details about the current connection.
	ConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsNotExist reports whether err indicates a missing remote path. SFTP
// servers signal this with a status code rather than an fs.ErrNotExist
// in the chain.
func IsNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return status.FxCode() == sftp.ErrSSHFxNoSuchFile
	}
	return false
}
