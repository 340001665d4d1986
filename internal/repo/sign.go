package repo

import (
	"bytes"
	"context"
	"sync"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/mirrorctl/repotool/internal/pacman"
)

var armorHeader = []byte("-----BEGIN PGP ")

// Signer creates detached package signatures.
type Signer interface {
	// Sign writes the signature of the file at path to path + ".sig"
	// and returns the signature path.
	Sign(ctx context.Context, path string) (string, error)
}

// GPGSigner signs with the gpg binary and the user's default key.
type GPGSigner struct {
	Exec   Executor
	Binary string
}

// Sign runs gpg --detach-sign.
func (s *GPGSigner) Sign(ctx context.Context, path string) (string, error) {
	sig := pacman.SignaturePath(path)
	err := s.Exec.Run(ctx, "", s.Binary, "--yes", "--output", sig, "--detach-sign", path)
	if err != nil {
		return "", err
	}
	return sig, nil
}

// KeySigner signs in-process with an OpenPGP private key file.
// The key is read on first use.
type KeySigner struct {
	fs             afero.Fs
	keyPath        string
	passphraseFile string
	pgp            *crypto.PGPHandle

	once sync.Once
	key  *crypto.Key
	err  error
}

// NewKeySigner creates a KeySigner.  passphraseFile may be empty for
// unprotected keys.
func NewKeySigner(fs afero.Fs, keyPath, passphraseFile string) *KeySigner {
	return &KeySigner{
		fs:             fs,
		keyPath:        keyPath,
		passphraseFile: passphraseFile,
		pgp:            crypto.PGP(),
	}
}

func (s *KeySigner) loadKey() (*crypto.Key, error) {
	s.once.Do(func() {
		var passphrase []byte
		if s.passphraseFile != "" {
			data, err := afero.ReadFile(s.fs, s.passphraseFile)
			if err != nil {
				s.err = errors.Wrapf(err, "failed to read passphrase file: %s", s.passphraseFile)
				return
			}
			passphrase = bytes.TrimRight(data, "\r\n")
		}

		key, err := readKey(s.fs, s.keyPath)
		if err != nil {
			s.err = err
			return
		}
		if !key.IsPrivate() {
			s.err = errors.Newf("not a private key: %s", s.keyPath)
			return
		}

		locked, err := key.IsLocked()
		if err != nil {
			s.err = errors.Wrapf(err, "failed to inspect key: %s", s.keyPath)
			return
		}
		if locked {
			if passphrase == nil {
				s.err = errors.Newf("key %s is locked and no passphrase file is configured", s.keyPath)
				return
			}
			key, err = key.Unlock(passphrase)
			if err != nil {
				s.err = errors.Wrapf(err, "failed to unlock key: %s", s.keyPath)
				return
			}
		}
		s.key = key
	})
	return s.key, s.err
}

// Sign writes a binary detached signature next to path.
func (s *KeySigner) Sign(_ context.Context, path string) (string, error) {
	key, err := s.loadKey()
	if err != nil {
		return "", err
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return "", err
	}

	signer, err := s.pgp.Sign().SigningKey(key).Detached().New()
	if err != nil {
		return "", errors.Wrap(err, "failed to create signer")
	}
	defer signer.ClearPrivateParams()

	sig, err := signer.Sign(data, crypto.Bytes)
	if err != nil {
		return "", errors.Wrapf(err, "failed to sign %s", path)
	}

	sigPath := pacman.SignaturePath(path)
	if err := afero.WriteFile(s.fs, sigPath, sig, 0644); err != nil {
		return "", err
	}
	return sigPath, nil
}

// readKey reads an armored or binary OpenPGP key.
func readKey(fs afero.Fs, path string) (*crypto.Key, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read PGP key: %s", path)
	}

	var key *crypto.Key
	if bytes.HasPrefix(bytes.TrimSpace(data), armorHeader) {
		key, err = crypto.NewKeyFromArmored(string(data))
	} else {
		key, err = crypto.NewKey(data)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse PGP key: %s", path)
	}
	return key, nil
}

// Verifier checks detached package signatures against a public key.
type Verifier struct {
	fs  afero.Fs
	key *crypto.Key
	pgp *crypto.PGPHandle
}

// NewVerifier reads the public key at keyPath.
func NewVerifier(fs afero.Fs, keyPath string) (*Verifier, error) {
	key, err := readKey(fs, keyPath)
	if err != nil {
		return nil, err
	}
	return &Verifier{fs: fs, key: key, pgp: crypto.PGP()}, nil
}

// KeyID returns the hex key ID of the verification key.
func (v *Verifier) KeyID() string {
	return v.key.GetHexKeyID()
}

// Verify checks path against path + ".sig".
func (v *Verifier) Verify(path string) error {
	data, err := afero.ReadFile(v.fs, path)
	if err != nil {
		return err
	}
	sigPath := pacman.SignaturePath(path)
	sig, err := afero.ReadFile(v.fs, sigPath)
	if err != nil {
		return errors.Wrapf(err, "no signature for %s", path)
	}

	var encoding int8 = crypto.Bytes
	if bytes.HasPrefix(bytes.TrimSpace(sig), armorHeader) {
		encoding = crypto.Armor
	}

	verifier, err := v.pgp.Verify().VerificationKey(v.key).New()
	if err != nil {
		return errors.Wrap(err, "failed to create verifier")
	}
	result, err := verifier.VerifyDetached(data, sig, encoding)
	if err != nil {
		return errors.Wrapf(err, "PGP signature verification failed for %s", path)
	}
	if sigErr := result.SignatureError(); sigErr != nil {
		return errors.Wrapf(sigErr, "PGP signature verification failed for %s", path)
	}
	return nil
}
