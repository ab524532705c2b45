package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig holds the SSH settings of the sftp:// scheme.
type SFTPConfig struct {
	// User is the default login when the URL carries none.
	User string

	// KeyFile is a private key used for public key authentication.
	KeyFile string

	// KeyPassphrase decrypts KeyFile.
	KeyPassphrase string

	// KnownHosts is the known_hosts file used for host key verification.
	// Empty defaults to ~/.ssh/known_hosts.
	KnownHosts string

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool

	// ConnectionTimeout bounds the TCP and SSH handshake (default: 30s).
	ConnectionTimeout time.Duration
}

// SFTPTransport fetches sftp:// URLs. Connections are kept per user and host
// until Close.
type SFTPTransport struct {
	config SFTPConfig

	mu    sync.Mutex
	conns map[string]*sftpConn
}

type sftpConn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

// NewSFTPTransport creates an sftp transport.
func NewSFTPTransport(cfg SFTPConfig) *SFTPTransport {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	return &SFTPTransport{
		config: cfg,
		conns:  make(map[string]*sftpConn),
	}
}

// Fetch implements Transport.
func (t *SFTPTransport) Fetch(ctx context.Context, u *url.URL, w io.Writer, report func(written, total int64)) (int64, error) {
	client, err := t.client(ctx, u)
	if err != nil {
		return 0, err
	}

	remote, err := client.Open(u.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remote.Close()

	total := int64(-1)
	if info, err := remote.Stat(); err == nil {
		total = info.Size()
	}

	n, err := copyWithContext(ctx, w, remote, total, report)
	if err != nil {
		return n, fmt.Errorf("failed to copy file: %w", err)
	}
	return n, nil
}

// Close closes every pooled connection.
func (t *SFTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for key, c := range t.conns {
		_ = c.sftp.Close()
		if err := c.ssh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, key)
	}
	return firstErr
}

func (t *SFTPTransport) client(ctx context.Context, u *url.URL) (*sftp.Client, error) {
	login := t.login(u)
	address := hostAddress(u)
	key := login + "@" + address

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[key]; ok {
		if _, err := c.sftp.Getwd(); err == nil {
			return c.sftp, nil
		}
		log.Warn().Str("address", address).Msg("existing sftp connection is dead, reconnecting")
		_ = c.sftp.Close()
		_ = c.ssh.Close()
		delete(t.conns, key)
	}

	clientConfig, err := t.clientConfig(login)
	if err != nil {
		return nil, err
	}

	sshClient, err := dial(ctx, address, clientConfig)
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	log.Debug().Str("address", address).Str("user", login).Msg("SFTP connection established")
	t.conns[key] = &sftpConn{ssh: sshClient, sftp: sftpClient}
	return sftpClient, nil
}

// login picks the URL user, then the configured user, then the current user.
func (t *SFTPTransport) login(u *url.URL) string {
	if u.User != nil && u.User.Username() != "" {
		return u.User.Username()
	}
	if t.config.User != "" {
		return t.config.User
	}
	if cur, err := user.Current(); err == nil {
		return cur.Username
	}
	return os.Getenv("USER")
}

func hostAddress(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "22"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// clientConfig builds an ssh.ClientConfig with key file and agent auth.
func (t *SFTPTransport) clientConfig(login string) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if t.config.KeyFile != "" {
		keyBytes, err := os.ReadFile(t.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if t.config.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(t.config.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no ssh authentication available: set a key file or run an ssh agent")
	}

	hostKeyCallback, err := t.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            login,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.config.ConnectionTimeout,
	}, nil
}

func (t *SFTPTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.config.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := t.config.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return callback, nil
}

// dial opens the SSH connection, honoring ctx during the TCP connect.
func dial(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", address, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(ncc, chans, reqs), nil
}
