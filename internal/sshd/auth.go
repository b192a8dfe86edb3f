package sshd

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/emessiha/tunner/internal/util"
)

var errInvalidCredentials = errors.New("invalid credentials")

// HashPassword returns the bcrypt hash stored in the users map.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// passwordAuth checks passwords against a user -> bcrypt hash map.
type passwordAuth map[string]string

func (users passwordAuth) callback(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	hash, ok := users[c.User()]
	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), password) != nil {
		util.LogWarning("sshd: failed login attempt for user '%s' from %s", c.User(), c.RemoteAddr())
		return nil, errInvalidCredentials
	}
	util.LogDebug("sshd: password login for user '%s'", c.User())
	return nil, nil
}

// keyAuth accepts any user presenting one of the keys.
type keyAuth []ssh.PublicKey

func (keys keyAuth) callback(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	offered := key.Marshal()
	for _, k := range keys {
		if bytes.Equal(offered, k.Marshal()) {
			util.LogDebug("sshd: public key login for user '%s'", c.User())
			return nil, nil
		}
	}
	return nil, errInvalidCredentials
}

// ParseAuthorizedKeys parses authorized_keys content. Blank lines and
// comments are skipped.
func ParseAuthorizedKeys(data []byte) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			return nil, fmt.Errorf("authorized keys line %d: %w", i+1, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// LoadAuthorizedKeys reads an authorized_keys file.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	return ParseAuthorizedKeys(data)
}
