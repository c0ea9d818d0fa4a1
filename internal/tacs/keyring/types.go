// Package keyring models the identifiers and tokens a device uses to access a
// vehicle, and the keyring document they are delivered in.
package keyring

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrLeaseMissing   = errors.New("no lease token for access grant")
	ErrBlobMissing    = errors.New("no blob for sorc")
	ErrEmptyAccessKey = errors.New("empty sorc access key")
	ErrEmptyBlob      = errors.New("empty blob")
	ErrInvalidCounter = errors.New("blob message counter is not numeric")
)

// SorcID identifies the BLE access module of one vehicle.
type SorcID = uuid.UUID

// VehicleRef identifies a vehicle towards callers.
type VehicleRef = string

// ServiceGrantID is a capability class understood by phone and vehicle.
type ServiceGrantID uint16

func (id ServiceGrantID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseServiceGrantID parses the decimal form used in keyring documents.
func ParseServiceGrantID(s string) (ServiceGrantID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid service grant id %q: %w", s, err)
	}
	return ServiceGrantID(v), nil
}

// Validators bound the validity of a service grant.
type Validators struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// ServiceGrant is one capability listed in a lease token.
type ServiceGrant struct {
	ServiceGrantID string     `json:"serviceGrantId"`
	Validators     Validators `json:"validators"`
}

// LeaseToken binds a user to a vehicle session and its permitted service grants.
type LeaseToken struct {
	DocumentVersion string         `json:"leaseTokenDocumentVersion"`
	ID              uuid.UUID      `json:"leaseTokenId"`
	LeaseID         uuid.UUID      `json:"leaseId"`
	UserID          string         `json:"userId"`
	SorcID          SorcID         `json:"sorcId"`
	SorcAccessKey   string         `json:"sorcAccessKey"`
	StartTime       string         `json:"startTime"`
	EndTime         string         `json:"endTime"`
	ServiceGrants   []ServiceGrant `json:"serviceGrantList"`
}

// Validate fails with ErrEmptyAccessKey when the token cannot open a session.
func (t *LeaseToken) Validate() error {
	if t.SorcAccessKey == "" {
		return ErrEmptyAccessKey
	}
	return nil
}

// SessionBlob carries the bootstrap bytes and message counter for a secure session.
type SessionBlob struct {
	SorcID         SorcID
	Data           []byte
	MessageCounter int
}

// NewSessionBlob validates the raw keyring values. data is base64 in keyring
// documents; a value that is not valid base64 is taken verbatim.
func NewSessionBlob(sorcID SorcID, data, counter string) (SessionBlob, error) {
	if data == "" {
		return SessionBlob{}, ErrEmptyBlob
	}
	n, err := strconv.Atoi(strings.TrimSpace(counter))
	if err != nil {
		return SessionBlob{}, fmt.Errorf("%w: %q", ErrInvalidCounter, counter)
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(raw) == 0 {
		raw = []byte(data)
	}

	return SessionBlob{SorcID: sorcID, Data: raw, MessageCounter: n}, nil
}
