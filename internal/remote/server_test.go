package remote

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// handlerFunc answers one exec request with stdout and an exit status.
type handlerFunc func(command string) (string, uint32)

type testServer struct {
	address string
	signer  ssh.Signer

	mu       sync.Mutex
	commands []string
}

func (s *testServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func fixtureSigner(t *testing.T) ssh.Signer {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "keys", "testdata", "builder_key"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return signer
}

// startServer runs an SSH server on localhost that accepts the fixture key
// for user "ubuntu".
func startServer(t *testing.T, handler handlerFunc) *testServer {
	t.Helper()

	signer := fixtureSigner(t)
	authorized := string(signer.PublicKey().Marshal())
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == DefaultUser && string(key.Marshal()) == authorized {
				return nil, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	server := &testServer{address: listener.Addr().String(), signer: signer}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go server.serve(conn, config, handler)
		}
	}()
	return server
}

func (s *testServer) serve(conn net.Conn, config *ssh.ServerConfig, handler handlerFunc) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					return
				}
				_ = req.Reply(true, nil)

				s.mu.Lock()
				s.commands = append(s.commands, payload.Command)
				s.mu.Unlock()

				stdout, status := handler(payload.Command)
				_, _ = channel.Write([]byte(stdout))
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

// closedAddress returns a localhost address nothing listens on.
func closedAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	address := listener.Addr().String()
	listener.Close()
	return address
}
