package git

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	perr "github.com/jmgilman/go/errors"
)

// Signer produces an armored detached signature for an encoded commit.
type Signer interface {
	Sign(message io.Reader) (string, error)
}

type openPGPSigner struct {
	entity *openpgp.Entity
}

// NewOpenPGPSigner loads a private key given either armored or as base64 of
// the armored text. passphrase unlocks encrypted keys.
func NewOpenPGPSigner(key, passphrase string) (Signer, error) {
	material := strings.TrimSpace(key)
	if material == "" {
		return nil, perr.New(perr.CodeInvalidConfig, "signing key is empty")
	}
	if !strings.HasPrefix(material, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(material)
		if err != nil {
			return nil, perr.Wrap(err, perr.CodeInvalidConfig, "signing key is neither armored nor base64")
		}
		material = string(decoded)
	}

	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(material))
	if err != nil {
		return nil, perr.Wrap(err, perr.CodeInvalidConfig, "read signing key")
	}
	if len(entities) == 0 || entities[0].PrivateKey == nil {
		return nil, perr.New(perr.CodeInvalidConfig, "signing key contains no private key")
	}
	entity := entities[0]

	if entity.PrivateKey.Encrypted {
		if passphrase == "" {
			return nil, perr.New(perr.CodeInvalidConfig, "signing key is encrypted but no passphrase was provided")
		}
		if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
			return nil, perr.Wrap(err, perr.CodeInvalidConfig, "unlock signing key")
		}
		for _, sub := range entity.Subkeys {
			if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
				if err := sub.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
					return nil, perr.Wrap(err, perr.CodeInvalidConfig, "unlock signing subkey")
				}
			}
		}
	}

	return &openPGPSigner{entity: entity}, nil
}

func (s *openPGPSigner) Sign(message io.Reader) (string, error) {
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, s.entity, message, &packet.Config{}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
