package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/emessiha/tunner/internal/util"
)

// NewHostKey generates an ed25519 host key and returns the signer with its
// PEM encoding.
func NewHostKey() (ssh.Signer, []byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "tunner host key")
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return signer, pem.EncodeToMemory(block), nil
}

// LoadOrGenerateHostKey reads the host key at path, generating and saving a
// new one if the file does not exist. An empty path yields an ephemeral key.
func LoadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		signer, _, err := NewHostKey()
		return signer, err
	}

	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return signer, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	signer, pemBytes, err := NewHostKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save generated host key: %w", err)
	}
	util.LogInfo("sshd: generated host key %s", path)
	return signer, nil
}

// Fingerprint formats a host key the way clients pin it.
func Fingerprint(key ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
}
