package sync

import (
	"github.com/gofrs/uuid"
)

const (
	uidLength  = 11
	uidLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	uidRunes   = uidLetters + "0123456789"
)

// GenerateUID returns a new platform identifier: 11 alphanumeric characters,
// the first of which is always a letter.
func GenerateUID() string {
	random := uuid.Must(uuid.NewV4()).Bytes()

	result := make([]byte, uidLength)
	result[0] = uidLetters[int(random[0])%len(uidLetters)]
	for i := 1; i < uidLength; i++ {
		result[i] = uidRunes[int(random[i])%len(uidRunes)]
	}
	return string(result)
}
