package remote

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// HelperBinary is the name under which the helper process is installed on the
// test hosts and invoked for cancellable commands.
const HelperBinary = "ixy-ci-runner"

const dialTimeout = 10 * time.Second

// Session is one authenticated SSH connection to a single test host. Commands
// and file transfers run through it are blocking; everything executed is
// recorded in an ordered transcript which Close yields exactly once.
type Session struct {
	host       string
	client     *ssh.Client
	transcript Transcript
}

// Connect opens an SSH connection to addr ("host:port") as user,
// authenticating with the private key at keyPath. The test hosts are freshly
// provisioned throwaway VMs, so host keys are not verified.
func Connect(addr, user, keyPath string) (*Session, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "could not read private key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse private key")
	}
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to %s", addr)
	}
	return &Session{host: addr, client: client}, nil
}

// NonZeroExitError reports a remote command that terminated with a non-zero
// exit status. The command's output is still recorded in the transcript.
type NonZeroExitError struct {
	Command    string
	ExitStatus int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("remote command %q exited with status %d", e.Command, e.ExitStatus)
}

// ExecuteCommand runs cmd under the host's default shell and blocks until it
// has terminated and its output is fully drained. Stderr is merged into
// stdout. There is no timeout.
func (s *Session) ExecuteCommand(cmd string) error {
	log.WithField("host", s.host).Debugf("executing command: %s", cmd)
	idx := s.pushEntry(cmd)
	sess, err := s.client.NewSession()
	if err != nil {
		return errors.Wrap(err, "could not open session")
	}
	defer sess.Close()
	out, err := sess.CombinedOutput(cmd)
	s.fillEntry(idx, string(out))
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return &NonZeroExitError{Command: cmd, ExitStatus: exitErr.ExitStatus()}
		}
		return errors.Wrapf(err, "remote command %q", cmd)
	}
	return nil
}

// UploadFile copies the local file to path on the host and sets its mode.
func (s *Session) UploadFile(local, path string, mode os.FileMode) error {
	src, err := os.Open(local)
	if err != nil {
		return errors.Wrap(err, "could not open local file")
	}
	defer src.Close()
	sftpc, err := sftp.NewClient(s.client)
	if err != nil {
		return errors.Wrap(err, "could not open sftp client")
	}
	defer sftpc.Close()
	dst, err := sftpc.Create(path)
	if err != nil {
		return errors.Wrapf(err, "could not create %s", path)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrapf(err, "could not upload %s", path)
	}
	if err := dst.Close(); err != nil {
		return errors.Wrapf(err, "could not upload %s", path)
	}
	return errors.Wrapf(sftpc.Chmod(path, mode), "could not chmod %s", path)
}

// DownloadFile reads the whole remote file into memory.
func (s *Session) DownloadFile(path string) ([]byte, error) {
	sftpc, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, errors.Wrap(err, "could not open sftp client")
	}
	defer sftpc.Close()
	f, err := sftpc.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	return data, errors.Wrapf(err, "could not download %s", path)
}

// Close shuts down the connection and yields the accumulated transcript. This
// is the only accessor for the transcript; the session must not be used
// afterwards.
func (s *Session) Close() Transcript {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.WithError(err).WithField("host", s.host).Debug("error closing ssh connection")
		}
		s.client = nil
	}
	t := s.transcript
	s.transcript = nil
	return t
}

func (s *Session) pushEntry(cmd string) int {
	s.transcript = append(s.transcript, Entry{Command: cmd})
	return len(s.transcript) - 1
}

func (s *Session) fillEntry(idx int, output string) {
	s.transcript[idx].Output = output
}
