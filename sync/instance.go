package sync

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// Instance represents one DHIS2 deployment: url, credentials, live API
// version and the metadata mapping dictionary translating local identifiers
// to their remote equivalents. Instances are immutable snapshots; updates
// produce a new value.
type Instance struct {
	ID              string                    `json:"id"`
	Name            string                    `json:"name"`
	URL             string                    `json:"url"`
	Username        string                    `json:"username,omitempty"`
	Password        string                    `json:"password,omitempty"`
	Description     string                    `json:"description,omitempty"`
	Version         string                    `json:"version,omitempty"`
	MetadataMapping MetadataMappingDictionary `json:"metadataMapping,omitempty"`
}

// LocalInstanceID is the distinguished id of the instance the caller is
// logged into. It is never resolved through storage.
const LocalInstanceID = "LOCAL"

// Identifier implements Identifiable for collection storage.
func (i Instance) Identifier() string { return i.ID }

// APIVersion extracts the minor API version from a version string such as
// "2.36.1". Returns 0 when the version is unknown.
func (i Instance) APIVersion() int {
	parts := strings.Split(i.Version, ".")
	if len(parts) < 2 {
		return 0
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return version
}

// Update returns a copy of the instance with a freshly queried version.
func (i Instance) Update(version string) Instance {
	i.Version = version
	return i
}

// ToPublicObject returns a credential-free snapshot for embedding in reports.
func (i Instance) ToPublicObject() PublicInstance {
	return PublicInstance{ID: i.ID, Name: i.Name, URL: i.URL}
}

// EncryptionConfig carries the key used to encrypt instance credentials at
// rest. It is set once at process start and passed explicitly to the
// components that resolve instances; there is no package-level key.
type EncryptionConfig struct {
	Key string
}

func (e EncryptionConfig) secretKey() [32]byte {
	return sha256.Sum256([]byte(e.Key))
}

// EncryptPassword returns a copy of the instance with the password sealed for
// persistence. A blank key disables encryption and stores the password as-is.
func (i Instance) EncryptPassword(encryption EncryptionConfig) (Instance, error) {
	if encryption.Key == "" || i.Password == "" {
		return i, nil
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return i, fmt.Errorf("failed to generate nonce %w", err)
	}

	key := encryption.secretKey()
	sealed := secretbox.Seal(nonce[:], []byte(i.Password), &nonce, &key)
	i.Password = base64.StdEncoding.EncodeToString(sealed)
	return i, nil
}

// DecryptPassword returns a copy of the instance with the stored password
// opened. A blank key disables decryption.
func (i Instance) DecryptPassword(encryption EncryptionConfig) (Instance, error) {
	if encryption.Key == "" || i.Password == "" {
		return i, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(i.Password)
	if err != nil {
		return i, fmt.Errorf("failed to decode stored password %w", err)
	}
	if len(sealed) < 24 {
		return i, fmt.Errorf("stored password is too short to carry a nonce")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	key := encryption.secretKey()
	opened, ok := secretbox.Open(nil, sealed[24:], &nonce, &key)
	if !ok {
		return i, fmt.Errorf("failed to decrypt stored password")
	}
	i.Password = string(opened)
	return i, nil
}

// User is the authenticated user of an instance.
type User struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// OrgUnit is the projection of an organisation unit used for root listings.
type OrgUnit struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Path        string `json:"path,omitempty"`
}

// InstanceMessage is a message sent to users of an instance through its
// messaging endpoint.
type InstanceMessage struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
	Users   []Ref  `json:"users,omitempty"`
}
