// Package keygen produces session identifiers and stream key credentials.
package keygen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const streamKeyBytes = 16

// NewStreamKey returns a 128-bit stream key encoded as lowercase hex. Stream
// keys authenticate the ingest connection, not the owner, and are generated
// once per session. Failure to obtain entropy is fatal to the process.
func NewStreamKey() string {
	buf := make([]byte, streamKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("keygen: read entropy: %v", err))
	}
	return hex.EncodeToString(buf)
}

// NewSessionID returns a lexicographically sortable ULID for a session.
func NewSessionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

// NewRecordingID returns a ULID for a recording artefact.
func NewRecordingID() string {
	return NewSessionID()
}
