// Package remote runs commands on build VMs over SSH.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/retry"
)

// Command is one remote invocation. Env is exported for this invocation only.
type Command struct {
	Name    string
	Command string
	Timeout time.Duration
	Env     map[string]string
}

// Line renders the shell line sent to the remote host.
func (c Command) Line() string {
	if len(c.Env) == 0 {
		return c.Command
	}
	names := make([]string, 0, len(c.Env))
	for name := range c.Env {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "export %s=%s; ", name, ShellQuote(c.Env[name]))
	}
	b.WriteString(c.Command)
	return b.String()
}

func (c Command) label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Command
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Result is the outcome of a completed command.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// OK reports a zero exit status.
func (r Result) OK() bool {
	return r.ExitStatus == 0
}

// Session is an authenticated connection to one VM.
type Session interface {
	// Run executes cmd. A non-zero exit status is reported through Result,
	// not as an error; errors mean the command could not complete.
	Run(ctx context.Context, cmd Command) (Result, error)
	Address() string
	Close() error
}

// Dialer opens a session to a single address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Session, error)
}

// Target names a VM and yields its current addresses. Addresses is called
// on every attempt so late-assigned addresses are picked up.
type Target struct {
	Name      string
	Addresses func(ctx context.Context) ([]string, error)
}

const reachableMarker = "hello world"

var reachabilityCheck = Command{Name: "reachability-check", Command: "echo " + reachableMarker, Timeout: 30 * time.Second}

// Executor finds a reachable address for a VM and hands back a session.
type Executor struct {
	Logger *slog.Logger
	Dialer Dialer
	Policy retry.Policy
}

// Connect returns a session to the first address of target that answers the
// reachability check. AddressNotFound is returned once the policy is
// exhausted.
func (e *Executor) Connect(ctx context.Context, target Target) (Session, error) {
	logger := e.logger().With("vm", target.Name)

	var session Session
	err := retry.DoNotify(ctx, e.Policy, func(ctx context.Context) error {
		addresses, err := target.Addresses(ctx)
		if err != nil {
			return fmt.Errorf("list addresses: %w", err)
		}
		for _, address := range addresses {
			candidate, err := e.Dialer.Dial(ctx, address)
			if err != nil {
				logger.Debug("address unreachable", "address", address, "error", err)
				continue
			}
			result, err := candidate.Run(ctx, reachabilityCheck)
			if err != nil || !result.OK() || !strings.Contains(result.Stdout, reachableMarker) {
				logger.Debug("reachability check failed", "address", address, "error", err, "exit_status", result.ExitStatus)
				candidate.Close()
				continue
			}
			session = candidate
			return nil
		}
		return builderr.New(builderr.AddressNotFound, "no reachable address for %s among %v", target.Name, addresses)
	}, func(attempt int, err error, wait time.Duration) {
		logger.Info("waiting for ssh", "attempt", attempt, "retry_in", wait, "error", err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, builderr.Wrap(builderr.AddressNotFound, err, "connect to %s", target.Name)
	}
	logger.Info("ssh session established", "address", session.Address())
	return session, nil
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
