// Package keys manages the builder SSH identity: the local private key file
// and the fingerprint the cloud reports for its imported public half.
package keys

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
)

// DefaultPath is where the builder private key lives on the orchestrator host.
const DefaultPath = "/home/ubuntu/.ssh/builder_key"

// DefaultBits is the RSA key size used for new identities.
const DefaultBits = 4096

// Identity is the keypair used to reach build VMs.
type Identity struct {
	Name        string
	PrivateKey  []byte
	Fingerprint string
}

// Fingerprint returns the MD5 fingerprint of the public half of a PEM encoded
// private key, as lower-case colon separated hex pairs.
func Fingerprint(privateKeyPEM []byte) (string, error) {
	raw, err := ssh.ParseRawPrivateKey(privateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return md5Hex(signer.PublicKey().Marshal()), nil
}

// FingerprintPublic computes the same fingerprint from an authorized_keys line.
func FingerprintPublic(authorizedKey string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return md5Hex(pub.Marshal()), nil
}

func md5Hex(wire []byte) string {
	sum := md5.Sum(wire)
	pairs := make([]string, len(sum))
	for i, b := range sum {
		pairs[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(pairs, ":")
}

// Generate creates a new RSA private key and returns it PEM encoded.
func Generate(bits int) ([]byte, error) {
	if bits <= 0 {
		bits = DefaultBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), nil
}

// AuthorizedKey returns the public half of a PEM private key in
// authorized_keys format, without a trailing newline.
func AuthorizedKey(privateKeyPEM []byte) (string, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

// Signer parses a PEM private key for SSH client authentication.
func Signer(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// Owner is the uid/gid a stored key is handed to.
type Owner struct {
	UID int
	GID int
}

// Store persists the private key on disk.
type Store struct {
	Path string
	// Owner, when set, receives ownership of the written file.
	Owner *Owner
	// Bits overrides DefaultBits for generated keys.
	Bits int
}

func (s Store) path() string {
	if s.Path == "" {
		return DefaultPath
	}
	return s.Path
}

// Load reads the private key. The boolean is false when no key file exists.
func (s Store) Load() ([]byte, bool, error) {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read private key: %w", err)
	}
	return data, true, nil
}

// Save replaces the key file with privateKeyPEM using mode 0400.
func (s Store) Save(privateKeyPEM []byte) error {
	path := s.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	// The existing file is read-only, so it has to go before rewriting.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale private key: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o400)
	if err != nil {
		return fmt.Errorf("create private key: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(privateKeyPEM); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	fd := int(file.Fd())
	if s.Owner != nil {
		if err := unix.Fchown(fd, s.Owner.UID, s.Owner.GID); err != nil {
			return fmt.Errorf("chown private key: %w", err)
		}
	}
	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("sync private key: %w", err)
	}
	return nil
}

// Ensure loads the stored key, generating and saving a new one when absent.
func (s Store) Ensure() ([]byte, error) {
	data, ok, err := s.Load()
	if err != nil {
		return nil, err
	}
	if ok {
		return data, nil
	}
	data, err = Generate(s.Bits)
	if err != nil {
		return nil, err
	}
	if err := s.Save(data); err != nil {
		return nil, err
	}
	return data, nil
}
