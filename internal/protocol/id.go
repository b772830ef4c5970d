package protocol

import "github.com/rs/xid"

// NewRequestID returns a fresh correlation id.
//
// An xid packs a 4-byte timestamp, machine and process bytes, and a 3-byte
// counter that starts at a random value, so ids are ordered by creation time and
// never repeat within one process. Example: "cv37rs3pp9olc6atsptg".
func NewRequestID() string {
	return xid.New().String()
}
