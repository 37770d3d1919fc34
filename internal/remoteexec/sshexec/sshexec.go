// Package sshexec implements the RemoteExec capability over SSH: a fresh
// connection per check, no host-key verification, credentials tried from a
// small pool of candidate username/passwords and a key-file set.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Credential is one candidate username/authentication pair tried in order
// until one succeeds.
type Credential struct {
	User     string
	Password string     // used if non-empty
	KeyPEM   []byte     // used if Password is empty
}

// Exec is the sshexec implementation of capability.RemoteExec.
type Exec struct {
	Credentials []Credential
	Port        int
	DialTimeout time.Duration
}

func New(creds []Credential) *Exec {
	return &Exec{Credentials: creds, Port: 22, DialTimeout: 10 * time.Second}
}

// Run opens a fresh SSH connection to hostname, tries each credential in
// order, runs command once connected, and returns stdout/stderr.
func (e *Exec) Run(ctx context.Context, hostname string, command string) (stdout, stderr string, err error) {
	if len(e.Credentials) == 0 {
		return "", "", fmt.Errorf("sshexec: no credentials configured")
	}

	var lastErr error
	for _, cred := range e.Credentials {
		client, cerr := e.dial(ctx, hostname, cred)
		if cerr != nil {
			lastErr = cerr
			continue
		}
		out, errOut, runErr := runOnce(client, command)
		client.Close()
		if runErr != nil {
			lastErr = runErr
			continue
		}
		return out, errOut, nil
	}
	return "", "", fmt.Errorf("sshexec: all credentials failed for %s: %w", hostname, lastErr)
}

func (e *Exec) dial(ctx context.Context, hostname string, cred Credential) (*ssh.Client, error) {
	auths, err := authMethods(cred)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            cred.User,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // no host-key verification
		Timeout:         e.DialTimeout,
	}
	addr := net.JoinHostPort(hostname, portString(e.Port))
	return ssh.Dial("tcp", addr, cfg)
}

func authMethods(cred Credential) ([]ssh.AuthMethod, error) {
	if cred.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cred.Password)}, nil
	}
	signer, err := ssh.ParsePrivateKey(cred.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("sshexec: parse private key for %s: %w", cred.User, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func runOnce(client *ssh.Client, command string) (string, string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Run(command); err != nil {
		return stdout.String(), stderr.String(), err
	}
	return stdout.String(), stderr.String(), nil
}

func portString(p int) string {
	if p == 0 {
		p = 22
	}
	return fmt.Sprintf("%d", p)
}
