package broker

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const sessionIDByteLength = 16

var sessionIDRandomSource io.Reader = rand.Reader

func newSessionID() (string, error) {
	randomBytes := make([]byte, sessionIDByteLength)
	if _, err := io.ReadFull(sessionIDRandomSource, randomBytes); err != nil {
		return "", fmt.Errorf("session.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}
