// Package idgen mints the prefixed ids used across bay: sbx- for
// sandboxes, ses- for sessions, crg- for cargos. Ids embed a UUIDv7
// style timestamp so they sort roughly by creation time, then get
// base58 encoded to stay safe in paths, labels and volume names.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

const (
	SandboxPrefix = "sbx-"
	SessionPrefix = "ses-"
	CargoPrefix   = "crg-"
)

var (
	timeMu sync.Mutex

	// lastStamp is (milli << 12) | seq of the last id handed out.
	lastStamp int64

	timeNow = time.Now // for testing
)

const nanosPerMilli = int64(time.Millisecond)

// nextStamp returns the timestamp fields for the next id. The combined
// (milli << 12) | seq is strictly increasing across calls within this
// process, so ids minted here never collide on time alone.
func nextStamp() (milli, seq int64) {
	timeMu.Lock()
	defer timeMu.Unlock()

	nano := timeNow().UnixNano()
	milli = nano / nanosPerMilli
	// seq is the sub-millisecond remainder, 0..3906
	seq = (nano - milli*nanosPerMilli) >> 8
	now := milli<<12 | seq
	if now <= lastStamp {
		now = lastStamp + 1
		milli = now >> 12
		seq = now & 0xfff
	}
	lastStamp = now
	return milli, seq
}

// New mints an id with the given prefix.
func New(prefix string) string {
	var raw [16]byte

	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("idgen: reading random bytes: %v", err))
	}

	t, s := nextStamp()

	raw[0] = byte(t >> 40)
	raw[1] = byte(t >> 32)
	raw[2] = byte(t >> 24)
	raw[3] = byte(t >> 16)
	raw[4] = byte(t >> 8)
	raw[5] = byte(t)

	raw[6] = 0x70 | (0x0F & byte(s>>8))
	raw[7] = byte(s)
	raw[8] = (raw[8] & 0x3f) | 0x80 // variant 10

	return prefix + base58.Encode(raw[:])
}

// Sandbox mints a sandbox id.
func Sandbox() string { return New(SandboxPrefix) }

// Session mints a session id.
func Session() string { return New(SessionPrefix) }

// Cargo mints a cargo id.
func Cargo() string { return New(CargoPrefix) }
