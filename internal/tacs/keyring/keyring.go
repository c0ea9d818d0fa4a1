package keyring

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// LeaseTokenEntry maps a vehicle access grant to its lease token.
type LeaseTokenEntry struct {
	VehicleAccessGrantID string     `json:"vehicleAccessGrantId"`
	LeaseToken           LeaseToken `json:"leaseToken"`
}

// Blob is the raw blob as stored in the keyring.
type Blob struct {
	SorcID         SorcID `json:"sorcId"`
	Blob           string `json:"blob"`
	MessageCounter string `json:"blobMessageCounter"`
}

// BlobEntry maps a sorc to its blob and the caller facing vehicle reference.
type BlobEntry struct {
	TenantID           string     `json:"tenantId"`
	ExternalVehicleRef VehicleRef `json:"externalVehicleRef"`
	KeyholderID        *uuid.UUID `json:"keyholderId,omitempty"`
	Blob               Blob       `json:"blob"`
}

// Keyring is the versioned table of every lease token and blob available to a device.
type Keyring struct {
	LeaseTokenTableVersion string            `json:"tacsLeaseTokenTableVersion"`
	LeaseTokenTable        []LeaseTokenEntry `json:"tacsLeaseTokenTable"`
	SorcBlobTableVersion   string            `json:"tacsSorcBlobTableVersion"`
	SorcBlobTable          []BlobEntry       `json:"tacsSorcBlobTable"`
}

// Parse decodes a keyring document.
func Parse(data []byte) (*Keyring, error) {
	k := &Keyring{}
	if err := json.Unmarshal(data, k); err != nil {
		return nil, fmt.Errorf("failed to decode keyring: %w", err)
	}
	return k, nil
}

// Decode reads a keyring document from r.
func Decode(r io.Reader) (*Keyring, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// LeaseToken returns the lease token of a vehicle access grant.
func (k *Keyring) LeaseToken(accessGrantID string) (*LeaseToken, bool) {
	for i := range k.LeaseTokenTable {
		if k.LeaseTokenTable[i].VehicleAccessGrantID == accessGrantID {
			return &k.LeaseTokenTable[i].LeaseToken, true
		}
	}
	return nil, false
}

// BlobEntry returns the blob table entry of a sorc.
func (k *Keyring) BlobEntry(sorcID SorcID) (*BlobEntry, bool) {
	for i := range k.SorcBlobTable {
		if k.SorcBlobTable[i].Blob.SorcID == sorcID {
			return &k.SorcBlobTable[i], true
		}
	}
	return nil, false
}

// SorcID returns the sorc behind a vehicle reference.
func (k *Keyring) SorcID(ref VehicleRef) (SorcID, bool) {
	for _, e := range k.SorcBlobTable {
		if e.ExternalVehicleRef == ref {
			return e.Blob.SorcID, true
		}
	}
	return uuid.Nil, false
}

// Setup is everything needed to discover, connect and open a session to one vehicle.
type Setup struct {
	AccessGrantID string
	LeaseToken    LeaseToken
	Blob          SessionBlob
	SorcID        SorcID
	VehicleRef    VehicleRef
	KeyholderID   *uuid.UUID
}

// Resolve looks up and validates the lease token and blob of an access grant.
// It returns either a complete setup or an error, never both.
func (k *Keyring) Resolve(accessGrantID string) (*Setup, error) {
	lease, ok := k.LeaseToken(accessGrantID)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrLeaseMissing, accessGrantID)
	}
	entry, ok := k.BlobEntry(lease.SorcID)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrBlobMissing, lease.SorcID)
	}
	if err := lease.Validate(); err != nil {
		return nil, err
	}
	blob, err := NewSessionBlob(entry.Blob.SorcID, entry.Blob.Blob, entry.Blob.MessageCounter)
	if err != nil {
		return nil, err
	}

	s := &Setup{
		AccessGrantID: accessGrantID,
		LeaseToken:    *lease,
		Blob:          blob,
		SorcID:        lease.SorcID,
		VehicleRef:    entry.ExternalVehicleRef,
	}
	if entry.KeyholderID != nil {
		id := *entry.KeyholderID
		s.KeyholderID = &id
	}
	return s, nil
}

// LeaseStatus reports whether one lease of the keyring can be activated.
type LeaseStatus struct {
	AccessGrantID string
	SorcID        SorcID
	VehicleRef    VehicleRef
	StartTime     string
	EndTime       string
	ServiceGrants []string
	Err           error
}

// Activatable reports whether Resolve succeeds for this lease.
func (s LeaseStatus) Activatable() bool {
	return s.Err == nil
}

// Check resolves every lease of the keyring.
func (k *Keyring) Check() []LeaseStatus {
	out := make([]LeaseStatus, 0, len(k.LeaseTokenTable))
	for _, e := range k.LeaseTokenTable {
		st := LeaseStatus{
			AccessGrantID: e.VehicleAccessGrantID,
			SorcID:        e.LeaseToken.SorcID,
			StartTime:     e.LeaseToken.StartTime,
			EndTime:       e.LeaseToken.EndTime,
		}
		for _, g := range e.LeaseToken.ServiceGrants {
			st.ServiceGrants = append(st.ServiceGrants, g.ServiceGrantID)
		}
		if be, ok := k.BlobEntry(e.LeaseToken.SorcID); ok {
			st.VehicleRef = be.ExternalVehicleRef
		}
		_, st.Err = k.Resolve(e.VehicleAccessGrantID)
		out = append(out, st)
	}
	return out
}

// RejectionMessage returns the short reason reported when activation fails.
func RejectionMessage(err error) string {
	switch {
	case errors.Is(err, ErrEmptyAccessKey):
		return "Failure due to empty Access key"
	case errors.Is(err, ErrEmptyBlob), errors.Is(err, ErrInvalidCounter):
		return "Failure due to empty BLOB"
	default:
		return "Failure due to Blob data"
	}
}
