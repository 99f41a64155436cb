package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// killGrace separates SIGTERM from SIGKILL when ctx ends.
	killGrace = 100 * time.Millisecond

	maxLineLength = 1 << 20
)

// Stream runs cmd and hands every output line to handler as it arrives.
// A non-zero exit is reported in the result, not as an error. When ctx
// ends the command is signalled and the output read so far is kept.
func (c *Client) Stream(ctx context.Context, cmd string, handler LineHandler) (*ExecResult, error) {
	conn, err := c.current()
	if err != nil {
		return nil, &Error{Op: "exec", Host: c.cfg.Host, Err: err}
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, &Error{Op: "exec", Host: c.cfg.Host, Err: fmt.Errorf("open session: %w", err), Retryable: true}
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, &Error{Op: "exec", Host: c.cfg.Host, Err: err}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, &Error{Op: "exec", Host: c.cfg.Host, Err: err}
	}

	res := &ExecResult{StartedAt: time.Now()}
	c.logger.Debug().Str("command", cmd).Msg("ssh exec")
	if err := session.Start(cmd); err != nil {
		return nil, &Error{Op: "exec", Host: c.cfg.Host, Err: fmt.Errorf("start: %w", err), Retryable: true}
	}

	drained := pump(c.cfg.LineBufferSize, handler, stdout, stderr)

	waited := make(chan error, 1)
	go func() { waited <- session.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waited:
	case <-ctx.Done():
		waitErr = interrupt(session, waited)
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		res.Canceled = !res.TimedOut
	}
	<-drained

	res.Duration = time.Since(res.StartedAt)
	res.ExitCode = exitStatus(waitErr)
	c.logger.Debug().
		Str("command", cmd).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("ssh exec finished")

	if res.ExitCode == -1 && !res.TimedOut && !res.Canceled {
		return res, &Error{Op: "exec", Host: c.cfg.Host, Err: waitErr, Retryable: true}
	}
	return res, nil
}

// Run executes cmd and returns its trimmed output. A non-zero exit,
// a timeout or a cancellation is an error.
func (c *Client) Run(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	var out, errOut strings.Builder
	res, err := c.Stream(ctx, cmd, func(l Line) {
		b := &out
		if l.Stream == Stderr {
			b = &errOut
		}
		b.WriteString(l.Text)
		b.WriteByte('\n')
	})
	stdout, stderr = strings.TrimSpace(out.String()), strings.TrimSpace(errOut.String())
	switch {
	case err != nil:
		return stdout, stderr, err
	case res.TimedOut || res.Canceled:
		return stdout, stderr, &Error{Op: "exec", Host: c.cfg.Host, Err: ctx.Err(), Retryable: true}
	case res.ExitCode != 0:
		return stdout, stderr, fmt.Errorf("%q exited with %d: %s", cmd, res.ExitCode, stderr)
	}
	return stdout, stderr, nil
}

// interrupt asks the remote command to stop, then forces it. Closing the
// session unblocks Wait even when the server ignores signals.
func interrupt(session *ssh.Session, waited <-chan error) error {
	_ = session.Signal(ssh.SIGTERM)
	select {
	case err := <-waited:
		return err
	case <-time.After(killGrace):
	}
	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()
	return <-waited
}

// pump reads both pipes concurrently and calls handler from a single
// goroutine. The returned channel closes once every line was handled.
func pump(buffer int, handler LineHandler, stdout, stderr io.Reader) <-chan struct{} {
	lines := make(chan Line, buffer)
	var readers sync.WaitGroup
	readers.Add(2)
	go scanInto(lines, Stdout, stdout, &readers)
	go scanInto(lines, Stderr, stderr, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for l := range lines {
			if handler != nil {
				handler(l)
			}
		}
	}()
	return done
}

func scanInto(out chan<- Line, kind StreamKind, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for sc.Scan() {
		out <- Line{Stream: kind, Text: sc.Text()}
	}
	if sc.Err() != nil {
		// an overlong line; drain so the session does not stall
		_, _ = io.Copy(io.Discard, r)
	}
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}
