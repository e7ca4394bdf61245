package discovery

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/statecraft/statecraft/pkg/state"
)

// AuthMethod selects how the SSH discoverer authenticates.
type AuthMethod string

const (
	// AuthMethodKey uses private key authentication.
	AuthMethodKey AuthMethod = "key"

	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"
)

// SSHOptions holds the connection settings for the SSH discoverer.
type SSHOptions struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	// AuthMethod specifies which authentication method to use.
	AuthMethod AuthMethod

	// Password for password-based authentication.
	Password string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys.
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts absent from known_hosts. When
	// false, any host key is accepted; never disable this outside
	// development.
	StrictHostKeyChecking bool

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// CommandTimeout bounds each probe command.
	CommandTimeout time.Duration
}

// DefaultSSHOptions returns options with sensible defaults for the
// given host and user.
func DefaultSSHOptions(host, user string) SSHOptions {
	return SSHOptions{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectTimeout:        10 * time.Second,
		CommandTimeout:        30 * time.Second,
	}
}

// Validate checks the options. For key authentication with no explicit
// key path, the default key locations are tried.
func (o *SSHOptions) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("host is required")
	}

	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port: %d", o.Port)
	}

	if o.User == "" {
		return fmt.Errorf("user is required")
	}

	switch o.AuthMethod {
	case AuthMethodPassword:
		if o.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if o.PrivateKeyPath == "" {
			homeDir := os.Getenv("HOME")
			defaultKeys := []string{
				filepath.Join(homeDir, ".ssh", "id_ed25519"),
				filepath.Join(homeDir, ".ssh", "id_rsa"),
				filepath.Join(homeDir, ".ssh", "id_ecdsa"),
			}
			for _, keyPath := range defaultKeys {
				if _, err := os.Stat(keyPath); err == nil {
					o.PrivateKeyPath = keyPath
					break
				}
			}
			if o.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(o.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", o.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", o.AuthMethod)
	}

	if o.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}

	if o.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	return nil
}

// clientConfig builds the ssh.ClientConfig for these options.
func (o *SSHOptions) clientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch o.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(o.Password))

		// Many servers present the password prompt via
		// keyboard-interactive instead
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = o.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(o.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if o.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(o.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if o.KnownHostsPath != "" && o.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(o.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            o.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         o.ConnectTimeout,
	}, nil
}

// address returns the host:port dial address.
func (o *SSHOptions) address() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// SSHDiscoverer observes resources by probing a host over SSH. It
// implements state.Discoverer for server and service resources; other
// resource types return an error so the drift loop skips them rather
// than reporting them missing.
//
// The connection is established lazily on first probe and reused
// across probes; a failed session drops the connection so the next
// probe reconnects.
type SSHDiscoverer struct {
	opts SSHOptions
	log  zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHDiscoverer creates an SSH discoverer for the given options.
func NewSSHDiscoverer(opts SSHOptions, logger zerolog.Logger) (*SSHDiscoverer, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh options: %w", err)
	}

	return &SSHDiscoverer{
		opts: opts,
		log:  logger.With().Str("component", "ssh-discoverer").Str("host", opts.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection. Discover connects lazily, so
// calling Connect is only needed to fail fast at startup.
func (d *SSHDiscoverer) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectLocked(ctx)
}

func (d *SSHDiscoverer) connectLocked(ctx context.Context) error {
	if d.client != nil {
		return nil
	}

	clientConfig, err := d.opts.clientConfig()
	if err != nil {
		return err
	}

	address := d.opts.address()
	d.log.Debug().Str("address", address).Msg("establishing ssh connection")

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
		return fmt.Errorf("connect to %s: %w", address, ctx.Err())
	case err := <-errChan:
		return fmt.Errorf("connect to %s: %w", address, err)
	case client := <-connChan:
		d.client = client
		d.log.Info().Str("address", address).Msg("ssh connection established")
		return nil
	}
}

// Close closes the SSH connection.
func (d *SSHDiscoverer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil
	}

	err := d.client.Close()
	d.client = nil
	return err
}

// Discover probes the host for the observed counterpart of the
// expected resource. Probes overlay the observed values onto a clone of
// the expected resource, so properties this discoverer cannot observe
// never show up as drift.
func (d *SSHDiscoverer) Discover(ctx context.Context, expected *state.Resource) (*state.Resource, error) {
	switch expected.Type {
	case state.ResourceTypeServer, state.ResourceTypeService:
	default:
		return nil, fmt.Errorf("ssh discovery cannot observe resource type %s", expected.Type)
	}

	observed := expected.Clone()
	if observed.Properties == nil {
		observed.Properties = make(map[string]interface{})
	}

	switch expected.Type {
	case state.ResourceTypeServer:
		if err := d.probeServer(ctx, observed); err != nil {
			return nil, err
		}
	case state.ResourceTypeService:
		if err := d.probeService(ctx, observed); err != nil {
			return nil, err
		}
	}

	return observed, nil
}

// probeServer fills host facts into the observed resource. Individual
// probe failures leave the expected value in place; only a dead
// connection fails the whole probe.
func (d *SSHDiscoverer) probeServer(ctx context.Context, observed *state.Resource) error {
	if out, err := d.run(ctx, "hostname"); err == nil && out != "" {
		observed.Properties["hostname"] = out
	} else if err != nil {
		return err
	}

	// The host answered, so it is up
	observed.State = state.StateActive

	if out, err := d.run(ctx, "uname -r"); err == nil && out != "" {
		observed.Properties["kernel"] = out
	}

	if out, err := d.run(ctx, "uname -s"); err == nil && out != "" {
		observed.Properties["os"] = out
	}
	if out, err := d.run(ctx, "cat /etc/os-release"); err == nil {
		if name := parseOSRelease(out); name != "" {
			observed.Properties["os"] = name
		}
	}

	if out, err := d.run(ctx, "nproc"); err == nil {
		if cores, parseErr := strconv.Atoi(strings.TrimSpace(out)); parseErr == nil && cores > 0 {
			observed.Properties["cpu_cores"] = cores
		}
	}

	if out, err := d.run(ctx, "cat /proc/meminfo"); err == nil {
		if mb, ok := parseMemTotalMB(out); ok {
			observed.Properties["memory_mb"] = mb
		}
	}

	return nil
}

// probeService maps the unit state reported by systemctl onto the
// observed resource. systemctl is-active exits non-zero for inactive
// units, so the output is consulted before the exit status.
func (d *SSHDiscoverer) probeService(ctx context.Context, observed *state.Resource) error {
	unit := observed.Name
	if v, ok := observed.Properties["unit"].(string); ok && v != "" {
		unit = v
	}

	out, err := d.run(ctx, fmt.Sprintf("systemctl is-active %s", shellQuote(unit)))
	raw := strings.TrimSpace(out)
	if raw == "" {
		if err != nil {
			return err
		}
		return fmt.Errorf("empty systemctl output for unit %s", unit)
	}

	observed.Properties["service_state"] = raw
	observed.State = mapServiceState(raw, observed.State)
	return nil
}

// run executes one probe command, honoring the command timeout and the
// caller's context. On session failure the connection is dropped so the
// next probe reconnects. The command's output is returned even when it
// exits non-zero, because probes like systemctl is-active report
// through both channels.
func (d *SSHDiscoverer) run(ctx context.Context, cmd string) (string, error) {
	d.mu.Lock()
	if err := d.connectLocked(ctx); err != nil {
		d.mu.Unlock()
		return "", err
	}
	client := d.client
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.opts.CommandTimeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		d.drop(client)
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-doneChan:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())

	if runErr != nil {
		if _, ok := runErr.(*ssh.ExitError); ok {
			return stdout, runErr
		}
		d.drop(client)
		return stdout, fmt.Errorf("run %q: %w", cmd, runErr)
	}

	return stdout, nil
}

// drop discards the connection if it is still the current one.
func (d *SSHDiscoverer) drop(client *ssh.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == client {
		_ = d.client.Close()
		d.client = nil
		d.log.Debug().Msg("ssh connection dropped")
	}
}

// mapServiceState converts systemctl is-active output to a resource
// state. Unrecognized output keeps the expected state; the raw value is
// preserved in the service_state property either way.
func mapServiceState(raw string, fallback state.ResourceState) state.ResourceState {
	switch raw {
	case "active", "reloading":
		return state.StateActive
	case "inactive", "dead":
		return state.StateInactive
	case "failed":
		return state.StateError
	case "activating":
		return state.StateCreating
	case "deactivating":
		return state.StateDeleting
	default:
		return fallback
	}
}

// parseMemTotalMB extracts MemTotal from /proc/meminfo content and
// converts it to mebibytes.
func parseMemTotalMB(meminfo string) (int64, bool) {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}

// parseOSRelease extracts PRETTY_NAME from /etc/os-release content.
func parseOSRelease(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, "PRETTY_NAME=") {
			continue
		}
		value := strings.TrimPrefix(line, "PRETTY_NAME=")
		return strings.Trim(value, `"`)
	}
	return ""
}

// shellQuote wraps a value in single quotes for safe interpolation
// into a probe command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
