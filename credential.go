package mls

import (
	"bytes"
	"fmt"
)

type CredentialType uint16

const (
	CredentialTypeBasic CredentialType = 1
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic)
}

// struct {
//     CredentialType credential_type;
//     select (Credential.credential_type) {
//         case basic:
//             opaque identity<0..2^16-1>;
//     };
// } Credential;
type Credential struct {
	CredentialType CredentialType
	Identity       []byte
}

func NewBasicCredential(identity []byte) Credential {
	return Credential{
		CredentialType: CredentialTypeBasic,
		Identity:       dup(identity),
	}
}

func (c Credential) Equals(o Credential) bool {
	return c.CredentialType == o.CredentialType && bytes.Equal(c.Identity, o.Identity)
}

func (c Credential) Clone() Credential {
	return Credential{
		CredentialType: c.CredentialType,
		Identity:       dup(c.Identity),
	}
}

func (c Credential) MarshalTLS() ([]byte, error) {
	if err := c.CredentialType.ValidForTLS(); err != nil {
		return nil, err
	}

	s := NewWriteStream()
	err := s.WriteAll(c.CredentialType, Bytes2(c.Identity))
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	if _, err := s.Read(&c.CredentialType); err != nil {
		return 0, err
	}

	if err := c.CredentialType.ValidForTLS(); err != nil {
		return 0, fmt.Errorf("mls.credential: %w", err)
	}

	var identity Bytes2
	if _, err := s.Read(&identity); err != nil {
		return 0, err
	}

	c.Identity = identity
	return s.Consumed(), nil
}
