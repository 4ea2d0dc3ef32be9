// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package minion

// This file owns the single authenticated SSH session a minion keeps
// open to its cluster front-end (spec §4.3). It is opened lazily by
// login, every remote command opens a fresh channel on it, and host keys
// are accepted on first use and then pinned.
//
// Grounded on golang.org/x/crypto/ssh, already a teacher dependency
// (vendored for pkg/defense/ssh.go's signature parsing); the secured
// password handling follows the teacher's
// internal/runner/secret_store.go use of github.com/awnumar/memguard to
// keep secrets out of the regular Go heap.

import (
	"bytes"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/raulmorenogaldon/scife-go/internal/errkind"
)

// Transport owns the lazily-opened SSH session plus the host key it
// pinned on first use.
type Transport struct {
	mu         sync.Mutex
	cfg        Config
	client     *ssh.Client
	hostKeyFP  string
	secret     *memguard.Enclave // the password, if any, sealed while idle
}

// NewTransport returns an unconnected Transport for cfg. The SSH
// connection is established by Login, not here.
func NewTransport(cfg Config) *Transport {
	t := &Transport{cfg: cfg}
	if cfg.Password != "" {
		t.secret = memguard.NewEnclave([]byte(cfg.Password))
	}
	return t
}

func parseEndpoint(raw string) (host string, err kv.Error) {
	// A scheme-prefixed path is tolerated (spec §6), e.g. ssh://cluster:22.
	if !strings.Contains(raw, "://") {
		raw = "ssh://" + raw
	}
	u, errGo := url.Parse(raw)
	if errGo != nil {
		return "", kv.Wrap(errGo).With("kind", errkind.InputInvalid).With("url", raw).
			With("stack", stack.Trace().TrimRuntime())
	}
	host = u.Host
	if _, _, errSplit := net.SplitHostPort(host); errSplit != nil {
		host = net.JoinHostPort(host, "22")
	}
	return host, nil
}

// Login dials the cluster front-end if not already connected. A second
// concurrent login observes "already connected" and returns success
// (spec §7 Propagation), matching the teacher's idempotent-login idiom
// in original_source/minions/cluster/cl_minion.py.
func (t *Transport) Login() (err kv.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return nil
	}

	host, err := parseEndpoint(t.cfg.URL)
	if err != nil {
		return err
	}

	authMethods := []ssh.AuthMethod{}
	if t.secret != nil {
		buf, errGo := t.secret.Open()
		if errGo != nil {
			return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
		}
		password := string(buf.Bytes())
		buf.Destroy()
		authMethods = append(authMethods, ssh.Password(password))
	} else if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, errGo := net.Dial("unix", sock)
		if errGo != nil {
			return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}

	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: t.trustOnFirstUse,
	}

	client, errGo := ssh.Dial("tcp", host, clientCfg)
	if errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("host", host).
			With("stack", stack.Trace().TrimRuntime())
	}
	t.client = client
	return nil
}

// trustOnFirstUse pins the first host key it sees and rejects any later
// connection whose key does not match the pinned fingerprint.
func (t *Transport) trustOnFirstUse(hostname string, remote net.Addr, key ssh.PublicKey) error {
	fp := ssh.FingerprintSHA256(key)
	if t.hostKeyFP == "" {
		t.hostKeyFP = fp
		return nil
	}
	if fp != t.hostKeyFP {
		return kv.NewError("host key changed since first use").With("kind", errkind.Transport).
			With("host", hostname).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Endpoint returns the SSH endpoint recorded at login time -- the
// corrected getInstanceHostname behaviour from spec §9's Open Question.
func (t *Transport) Endpoint() string {
	return t.cfg.URL
}

// Run opens a fresh channel, executes cmd synchronously, and returns both
// standard streams as byte buffers (spec §4.3).
func (t *Transport) Run(cmd string) (stdout, stderr []byte, err kv.Error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return nil, nil, kv.NewError("not logged in").With("kind", errkind.Transport).
			With("stack", stack.Trace().TrimRuntime())
	}

	session, errGo := client.NewSession()
	if errGo != nil {
		return nil, nil, kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	if errGo := session.Run(cmd); errGo != nil {
		if _, ok := errGo.(*ssh.ExitError); !ok {
			transportErrors.WithLabelValues(t.cfg.Name, errkind.Transport).Inc()
			return outBuf.Bytes(), errBuf.Bytes(), kv.Wrap(errGo).With("kind", errkind.Transport).
				With("stack", stack.Trace().TrimRuntime())
		}
		// A non-zero exit is reported as remote-tool, but the caller still
		// gets the captured output: qstat/qdel callers rely on stderr content.
		transportErrors.WithLabelValues(t.cfg.Name, errkind.RemoteTool).Inc()
		return outBuf.Bytes(), errBuf.Bytes(), kv.Wrap(errGo).With("kind", errkind.RemoteTool).
			With("stack", stack.Trace().TrimRuntime())
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// Close tears down the SSH session.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
