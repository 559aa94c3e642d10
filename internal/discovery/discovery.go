// Package discovery builds Home Assistant MQTT discovery descriptors for
// RAID arrays. Each array becomes one HA device with six entities:
// state, healthy, total, free, free percentage and used space. All
// entities of an array share a device block so HA groups them on a
// single device page.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Unique id offsets start at SequenceStart and advance by
// SequenceStride for every descriptor, across all arrays.
const (
	SequenceStart  = 42
	SequenceStride = 23
)

// Sequence hands out unique id offsets. A single Sequence must be
// shared by every array built in one process so that offsets never
// repeat. It is not safe for concurrent use.
type Sequence struct {
	next int
}

// NewSequence returns a sequence seeded at [SequenceStart].
func NewSequence() *Sequence {
	return &Sequence{next: SequenceStart}
}

// Next returns the current offset and advances the sequence.
func (s *Sequence) Next() int {
	n := s.next
	s.next += SequenceStride
	return n
}

// BaseID derives the per-array id from the block device's identifying
// attributes: the first 12 hex characters of their SHA-256 digest.
func BaseID(identity []byte) string {
	sum := sha256.Sum256(identity)
	return hex.EncodeToString(sum[:])[:12]
}

// UniqueID joins a base id and an offset rendered as at least two hex
// digits.
func UniqueID(base string, offset int) string {
	return fmt.Sprintf("%s%02x", base, offset)
}

// DeviceInfo is the HA device registry block shared by all entities of
// one array.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
}

// Descriptor is the JSON payload of one discovery config message. Keys
// use HA's abbreviated discovery schema.
type Descriptor struct {
	Name                string     `json:"name"`
	Platform            string     `json:"platform"`
	UniqueID            string     `json:"uniq_id"`
	ObjectID            string     `json:"obj_id"`
	Icon                string     `json:"icon,omitempty"`
	AvailabilityTopic   string     `json:"avty_t"`
	PayloadAvailable    string     `json:"pl_avail"`
	PayloadNotAvailable string     `json:"pl_not_avail"`
	StateTopic          string     `json:"stat_t"`
	Device              DeviceInfo `json:"dev"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`

	// Older HA releases read these from the top level rather than dev.
	Model        string `json:"model,omitempty"`
	SWVersion    string `json:"sw_version,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
}
