package remote

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// CancellableCommand is a live remote command supervised by the helper
// process. The transport cannot deliver signals, so termination is driven by
// closing the command's input stream: the helper interprets end-of-input as
// an interrupt request for the supervised process group.
type CancellableCommand struct {
	session *Session
	entry   int
	command string
	sess    *ssh.Session
	stdin   io.WriteCloser

	// The drain goroutine owns buf until done is closed.
	buf  bytes.Buffer
	done chan struct{}
}

// ExecuteCancellableCommand starts cmd under the helper process with elevated
// privileges and returns immediately. env holds shell variable assignments
// evaluated before the helper, so cmd may reference them. The transcript
// entry is pushed now and filled in when the command is cancelled.
func (s *Session) ExecuteCancellableCommand(cmd, env string) (*CancellableCommand, error) {
	full := fmt.Sprintf("sudo %s %s 2>&1", HelperBinary, cmd)
	if env != "" {
		full = env + "; " + full
	}
	log.WithField("host", s.host).Debugf("starting cancellable command: %s", cmd)
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "could not open session")
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "could not open stdin pipe")
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "could not open stdout pipe")
	}
	idx := s.pushEntry(full)
	if err := sess.Start(full); err != nil {
		sess.Close()
		return nil, errors.Wrapf(err, "could not start %q", cmd)
	}
	cc := &CancellableCommand{
		session: s,
		entry:   idx,
		command: cmd,
		sess:    sess,
		stdin:   stdin,
		done:    make(chan struct{}),
	}
	go func() {
		// Drains until the remote process exits. Buffering here keeps
		// IsRunning from ever having to touch the stream.
		_, err := io.Copy(&cc.buf, stdout)
		if err != nil {
			log.WithError(err).WithField("host", s.host).Debug("error draining remote output")
		}
		close(cc.done)
	}()
	return cc, nil
}

// IsRunning reports whether the remote command is still alive. It observes
// completion through the drain goroutine and never consumes output itself.
func (c *CancellableCommand) IsRunning() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Cancel closes the command's input stream, signalling the helper to
// interrupt the supervised process group, then blocks until the remaining
// output is drained and the remote process has exited. The full combined
// output is recorded in the transcript. The supervised command's own exit
// status is deliberately not inspected; the helper exits zero once its child
// is gone.
func (c *CancellableCommand) Cancel() error {
	log.WithField("host", c.session.host).Debugf("cancelling command: %s", c.command)
	// The remote side may already have exited and closed the channel.
	if err := c.stdin.Close(); err != nil && err != io.EOF {
		log.WithError(err).WithField("host", c.session.host).Debug("error closing remote stdin")
	}
	<-c.done
	err := c.sess.Wait()
	c.session.fillEntry(c.entry, c.buf.String())
	c.sess.Close()
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			log.WithField("host", c.session.host).Debugf("cancellable command exited with status %d", exitErr.ExitStatus())
			return nil
		}
		return errors.Wrapf(err, "waiting for %q", c.command)
	}
	return nil
}
