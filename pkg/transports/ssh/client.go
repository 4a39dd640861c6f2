package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client implements RemoteFS over one SSH connection with a single SFTP
// session opened at Connect.
type Client struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	sftp        *sftp.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time

	keepAliveDone chan struct{}
}

// NewClient creates a new SSH transport client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{config: config}, nil
}

// Connect establishes an SSH connection to the remote host and opens the
// SFTP session all file operations share.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		// Already connected, verify connection is still alive
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		// Connection is dead, close it and reconnect
		log.Warn().Msg("existing connection is dead, reconnecting")
		c.closeInternal()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	var sshClient *ssh.Client
	if c.config.IsProxyEnabled() {
		sshClient, err = c.dialViaProxy(ctx, clientConfig)
	} else {
		sshClient, err = c.dialDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	c.client = sshClient
	c.sftp = sftpClient
	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = time.Now()

	if c.config.KeepAliveInterval > 0 {
		c.keepAliveDone = make(chan struct{})
		go c.keepAlive(c.keepAliveDone)
	}

	log.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

// dialDirect establishes a direct SSH connection.
func (c *Client) dialDirect(ctx context.Context, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return nil, &TransportError{
			Op:          "connect",
			Err:         ctx.Err(),
			IsTemporary: true,
			IsAuthError: false,
		}
	case err := <-errChan:
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	case client := <-connChan:
		return client, nil
	}
}

// dialViaProxy establishes an SSH connection through a proxy/jump host.
func (c *Client) dialViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) (*ssh.Client, error) {
	proxyConfig := &Config{
		Host:                  c.config.ProxyHost,
		Port:                  c.config.ProxyPort,
		User:                  c.config.ProxyUser,
		AuthMethod:            c.config.ProxyAuthMethod,
		Password:              c.config.ProxyPassword,
		PrivateKeyPath:        c.config.ProxyPrivateKeyPath,
		ConnectionTimeout:     c.config.ConnectionTimeout,
		StrictHostKeyChecking: c.config.StrictHostKeyChecking,
		KnownHostsPath:        c.config.KnownHostsPath,
	}

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build proxy config: %w", err)
	}

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	proxyClient, err := ssh.Dial("tcp", proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return nil, &TransportError{
			Op:          "connect-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	targetAddress := c.config.Address()
	log.Debug().Str("target", targetAddress).Msg("connecting to target through proxy")

	proxyConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return nil, &TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return nil, &TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: true,
		}
	}

	return ssh.NewClient(ncc, chans, reqs), nil
}

// Close tears down the SFTP session and the SSH connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	c.closeInternal()
	return nil
}

// closeInternal releases the connection. Caller holds connMu.
func (c *Client) closeInternal() {
	if c.keepAliveDone != nil {
		close(c.keepAliveDone)
		c.keepAliveDone = nil
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.isConnected = false
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.sftp == nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	return c.healthCheckInternal()
}

// healthCheckInternal probes the SFTP session. Caller holds connMu.
func (c *Client) healthCheckInternal() error {
	if _, err := c.sftp.Getwd(); err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	return nil
}

// keepAlive sends periodic keep-alive messages until done is closed.
func (c *Client) keepAlive(done chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	maxRetries := c.config.MaxKeepAliveRetries

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		c.connMu.RLock()
		client := c.client
		c.connMu.RUnlock()
		if client == nil {
			return
		}

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= maxRetries {
				log.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
		} else {
			retries = 0
		}
	}
}

// ConnectionInfo returns information about the current connection.
func (c *Client) ConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// session returns the shared SFTP session.
func (c *Client) session() (*sftp.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.sftp == nil {
		return nil, &TransportError{
			Op:          "session",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	c.lastUsedAt = time.Now()
	return c.sftp, nil
}

// WriteFile writes data to a remote path through a temporary name and a
// rename so readers never observe a partial file.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode fs.FileMode) error {
	sess, err := c.session()
	if err != nil {
		return err
	}

	if err := sess.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{
			Op:          "write",
			Err:         fmt.Errorf("failed to create remote directory: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", remotePath, time.Now().UnixNano())
	f, err := sess.Create(tmpPath)
	if err != nil {
		return &TransportError{
			Op:          "write",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	if _, err := copyWithContext(ctx, f, bytes.NewReader(data)); err != nil {
		_ = f.Close()
		_ = sess.Remove(tmpPath)
		return &TransportError{
			Op:          "write",
			Err:         fmt.Errorf("failed to write remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	if err := f.Close(); err != nil {
		_ = sess.Remove(tmpPath)
		return &TransportError{
			Op:          "write",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	if mode > 0 {
		if err := sess.Chmod(tmpPath, mode); err != nil {
			log.Warn().Err(err).Msg("failed to set file permissions")
		}
	}

	if err := sess.PosixRename(tmpPath, remotePath); err != nil {
		_ = sess.Remove(tmpPath)
		return &TransportError{
			Op:          "write",
			Err:         fmt.Errorf("failed to rename remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return nil
}

// CreateExclusive creates an empty remote file, failing if it exists.
func (c *Client) CreateExclusive(remotePath string) error {
	sess, err := c.session()
	if err != nil {
		return err
	}

	if err := sess.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{
			Op:          "create-exclusive",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	f, err := sess.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return &TransportError{
			Op:          "create-exclusive",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return f.Close()
}

// ReadFile reads a whole remote file.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}

	f, err := sess.Open(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "read",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, &TransportError{
			Op:          "read",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	return buf.Bytes(), nil
}

// Open returns a reader over a remote file.
func (c *Client) Open(remotePath string) (io.ReadCloser, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}

	f, err := sess.Open(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "open",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return f, nil
}

// Upload copies a local file to the remote host via SFTP.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode fs.FileMode) (int64, error) {
	startTime := time.Now()

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("uploading file")

	localFile, err := os.Open(localPath)
	if err != nil {
		return 0, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to open local file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer localFile.Close()

	sess, err := c.session()
	if err != nil {
		return 0, err
	}

	if err := sess.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote directory: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	remoteFile, err := sess.Create(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer remoteFile.Close()

	bytesWritten, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return bytesWritten, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	if mode > 0 {
		if err := sess.Chmod(remotePath, mode); err != nil {
			log.Warn().Err(err).Msg("failed to set file permissions")
		}
	}

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", bytesWritten).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")

	return bytesWritten, nil
}

// Download copies a remote file to the local filesystem via SFTP.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	startTime := time.Now()

	log.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Msg("downloading file")

	sess, err := c.session()
	if err != nil {
		return 0, err
	}

	remoteFile, err := sess.Open(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to create local directory: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return 0, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to create local file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer localFile.Close()

	bytesWritten, err := copyWithContext(ctx, localFile, remoteFile)
	if err != nil {
		return bytesWritten, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	log.Info().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", bytesWritten).
		Dur("duration", time.Since(startTime)).
		Msg("file downloaded")

	return bytesWritten, nil
}

// MkdirAll creates a remote directory tree.
func (c *Client) MkdirAll(remotePath string) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	if err := sess.MkdirAll(remotePath); err != nil {
		return &TransportError{
			Op:          "mkdir",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return nil
}

// Remove removes a remote file or empty directory.
func (c *Client) Remove(remotePath string) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	if err := sess.Remove(remotePath); err != nil {
		return &TransportError{
			Op:          "remove",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return nil
}

// RemoveAll removes a remote path recursively, deepest entries first.
func (c *Client) RemoveAll(remotePath string) error {
	sess, err := c.session()
	if err != nil {
		return err
	}

	info, err := sess.Stat(remotePath)
	if err != nil {
		if IsNotExist(err) {
			return nil
		}
		return &TransportError{
			Op:          "remove-all",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	if !info.IsDir() {
		return c.Remove(remotePath)
	}

	var files, dirs []string
	walker := sess.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return &TransportError{
				Op:          "remove-all",
				Err:         fmt.Errorf("failed to walk remote directory: %w", err),
				IsTemporary: true,
				IsAuthError: false,
			}
		}
		if walker.Stat().IsDir() {
			dirs = append(dirs, walker.Path())
		} else {
			files = append(files, walker.Path())
		}
	}

	for _, p := range files {
		if err := sess.Remove(p); err != nil && !IsNotExist(err) {
			return &TransportError{Op: "remove-all", Err: err}
		}
	}
	// The walk yields parent directories first; delete in reverse.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := sess.RemoveDirectory(dirs[i]); err != nil && !IsNotExist(err) {
			return &TransportError{Op: "remove-all", Err: err}
		}
	}
	return nil
}

// Stat returns file info for a remote path.
func (c *Client) Stat(remotePath string) (os.FileInfo, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	info, err := sess.Stat(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "stat",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return info, nil
}

// ReadDir lists a remote directory.
func (c *Client) ReadDir(remotePath string) ([]os.FileInfo, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	infos, err := sess.ReadDir(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "readdir",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return infos, nil
}

// Checksum streams a remote file through sha256 and returns the hex digest.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	sess, err := c.session()
	if err != nil {
		return "", err
	}

	f, err := sess.Open(remotePath)
	if err != nil {
		return "", &TransportError{
			Op:          "checksum",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := copyWithContext(ctx, hash, f); err != nil {
		return "", &TransportError{
			Op:          "checksum",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	log.Debug().Str("path", remotePath).Str("checksum", checksum).Msg("checksum computed")
	return checksum, nil
}

// copyWithContext copies data from src to dst while respecting context
// cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}

// Ensure Client implements RemoteFS.
var _ RemoteFS = (*Client)(nil)
