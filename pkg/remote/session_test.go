package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// execHandler plays the remote side of one exec request: it may read the
// channel (the command's stdin) and write output, and returns the exit status.
type execHandler func(cmd string, ch ssh.Channel) uint32

func startTestServer(t *testing.T, handler execHandler) (addr, keyPath string) {
	t.Helper()

	_, clientKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(clientKey, "")
	require.NoError(t, err)
	keyPath = filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveTestConn(conn, cfg, handler)
		}
	}()
	return ln.Addr().String(), keyPath
}

func serveTestConn(conn net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveTestSession(ch, requests, handler)
	}
}

func serveTestSession(ch ssh.Channel, requests <-chan *ssh.Request, handler execHandler) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			status := handler(p.Command, ch)
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var p struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil || p.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			srv.Serve()
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func TestExecuteCommandRecordsTranscript(t *testing.T) {
	addr, keyPath := startTestServer(t, func(cmd string, ch ssh.Channel) uint32 {
		io.WriteString(ch, "output of "+cmd+"\n")
		return 0
	})

	sess, err := Connect(addr, "ci", keyPath)
	require.NoError(t, err)
	require.NoError(t, sess.ExecuteCommand("uname -a"))
	require.NoError(t, sess.ExecuteCommand("lspci"))

	transcript := sess.Close()
	require.Len(t, transcript, 2)
	assert.Equal(t, "uname -a", transcript[0].Command)
	assert.Equal(t, "output of uname -a\n", transcript[0].Output)
	assert.Equal(t, "lspci", transcript[1].Command)
}

func TestExecuteCommandNonZeroExit(t *testing.T) {
	addr, keyPath := startTestServer(t, func(cmd string, ch ssh.Channel) uint32 {
		io.WriteString(ch, "make: *** [all] Error 2\n")
		return 2
	})

	sess, err := Connect(addr, "ci", keyPath)
	require.NoError(t, err)
	err = sess.ExecuteCommand("make")

	var exitErr *NonZeroExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitStatus)
	assert.Equal(t, "make", exitErr.Command)

	// The failing command's output must still be in the transcript.
	transcript := sess.Close()
	require.Len(t, transcript, 1)
	assert.Equal(t, "make: *** [all] Error 2\n", transcript[0].Output)
}

func TestCancellableCommandCancel(t *testing.T) {
	addr, keyPath := startTestServer(t, func(cmd string, ch ssh.Channel) uint32 {
		io.WriteString(ch, "capture starting\n")
		// Block until the client half-closes stdin, like the helper does.
		io.Copy(io.Discard, ch)
		io.WriteString(ch, "interrupted\n")
		return 0
	})

	sess, err := Connect(addr, "ci", keyPath)
	require.NoError(t, err)
	cmd, err := sess.ExecuteCancellableCommand("pcap-tool out.pcap", "PCAP_N=5")
	require.NoError(t, err)
	assert.True(t, cmd.IsRunning())

	require.NoError(t, cmd.Cancel())
	assert.False(t, cmd.IsRunning())

	transcript := sess.Close()
	require.Len(t, transcript, 1)
	assert.Equal(t, "PCAP_N=5; sudo ixy-ci-runner pcap-tool out.pcap 2>&1", transcript[0].Command)
	assert.Equal(t, "capture starting\ninterrupted\n", transcript[0].Output)
}

func TestCancellableCommandObservesCompletion(t *testing.T) {
	addr, keyPath := startTestServer(t, func(cmd string, ch ssh.Channel) uint32 {
		io.WriteString(ch, "done already\n")
		return 0
	})

	sess, err := Connect(addr, "ci", keyPath)
	require.NoError(t, err)
	cmd, err := sess.ExecuteCancellableCommand("pcap-tool", "")
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for cmd.IsRunning() {
		require.True(t, time.Now().Before(deadline), "command never finished")
		time.Sleep(10 * time.Millisecond)
	}

	// Cancelling after natural completion still fills the transcript.
	require.NoError(t, cmd.Cancel())
	transcript := sess.Close()
	require.Len(t, transcript, 1)
	assert.Equal(t, "sudo ixy-ci-runner pcap-tool 2>&1", transcript[0].Command)
	assert.Equal(t, "done already\n", transcript[0].Output)
}

func TestFileTransferRoundTrip(t *testing.T) {
	addr, keyPath := startTestServer(t, nil)

	dir := t.TempDir()
	local := filepath.Join(dir, "runner")
	require.NoError(t, os.WriteFile(local, []byte("#!/bin/sh\nexit 0\n"), 0o644))

	sess, err := Connect(addr, "ci", keyPath)
	require.NoError(t, err)
	defer sess.Close()

	uploaded := filepath.Join(dir, "uploaded")
	require.NoError(t, sess.UploadFile(local, uploaded, 0o777))
	info, err := os.Stat(uploaded)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())

	data, err := sess.DownloadFile(uploaded)
	require.NoError(t, err)
	assert.Equal(t, []byte("#!/bin/sh\nexit 0\n"), data)

	_, err = sess.DownloadFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestTranscriptRendering(t *testing.T) {
	tr := Transcript{
		{Command: "sudo apt update", Output: "Reading package lists...\n"},
		{Command: "git clone x", Output: "fatal: repository not found"},
	}
	assert.Equal(t,
		"$ sudo apt update\nReading package lists...\n\n\n$ git clone x\nfatal: repository not found",
		tr.String())
	assert.Empty(t, Transcript{}.String())
}
