package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a prefixed unique ID.
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

func GenerateRoomID() string      { return GenerateID("room") }
func GeneratePeerID() string      { return GenerateID("peer") }
func GenerateUserID() string      { return GenerateID("user") }
func GenerateRouterID() string    { return GenerateID("router") }
func GenerateTransportID() string { return GenerateID("transport") }
func GenerateProducerID() string  { return GenerateID("producer") }
func GenerateConsumerID() string  { return GenerateID("consumer") }

// RandomHex returns n random bytes hex-encoded. Used for ICE credentials.
func RandomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
