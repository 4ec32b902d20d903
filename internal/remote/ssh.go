package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultUser is the account cloud images create for key-based login.
const DefaultUser = "ubuntu"

// DefaultConnectTimeout bounds the TCP connect and SSH handshake.
const DefaultConnectTimeout = 30 * time.Second

// SSHDialer opens SSH sessions with public key authentication.
type SSHDialer struct {
	User           string
	Signer         ssh.Signer
	Port           int
	ConnectTimeout time.Duration
	// HostKeyCallback defaults to accepting any host key; build VMs are
	// freshly created and their keys are unknown.
	HostKeyCallback ssh.HostKeyCallback
}

func (d SSHDialer) Dial(ctx context.Context, address string) (Session, error) {
	if d.Signer == nil {
		return nil, errors.New("ssh signer is not configured")
	}
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	user := d.User
	if user == "" {
		user = DefaultUser
	}
	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	target := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		port := d.Port
		if port == 0 {
			port = 22
		}
		target = net.JoinHostPort(address, fmt.Sprint(port))
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}
	// The handshake does not take a context; bound it with a deadline.
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.Signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", target, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{address: target, client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type sshSession struct {
	address string
	client  *ssh.Client
}

func (s *sshSession) Address() string {
	return s.address
}

func (s *sshSession) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	session, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh channel: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(cmd.Line()); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", cmd.label(), err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitStatus: -1},
			fmt.Errorf("%s: %w", cmd.label(), ctx.Err())
	case err := <-done:
		result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitStatus = exitErr.ExitStatus()
			return result, nil
		}
		result.ExitStatus = -1
		return result, fmt.Errorf("%s: %w", cmd.label(), err)
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
