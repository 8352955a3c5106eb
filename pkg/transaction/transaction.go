// Package transaction defines the immutable transaction descriptor that a
// user is asked to sign, and the content hash that fingerprints it.
package transaction

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// hashSeparator joins the transaction ID and instructions before hashing.
const hashSeparator = ":"

var (
	// ErrInvalidDescriptor is returned when a required field is missing.
	ErrInvalidDescriptor = errors.New("invalid transaction descriptor")
	// ErrIntegrity is returned when the content hash does not match the descriptor fields.
	ErrIntegrity = errors.New("transaction content hash mismatch")
)

// Descriptor describes one transaction presented to the user for signing.
type Descriptor struct {
	TransactionID string  `json:"transactionId"`
	Instructions  string  `json:"instructions"`
	ContentHash   string  `json:"contentHash"`
	SubjectID     *string `json:"subjectId"`
}

// Hash returns the lowercase hex SHA-256 of transactionID + ":" + instructions.
func Hash(transactionID, instructions string) string {
	h := sha256.Sum256([]byte(transactionID + hashSeparator + instructions))
	return hex.EncodeToString(h[:])
}

// New builds a descriptor and computes its content hash.
// A nil subjectID is an anonymous flow.
func New(transactionID, instructions string, subjectID *string) (*Descriptor, error) {
	d := &Descriptor{
		TransactionID: transactionID,
		Instructions:  instructions,
		SubjectID:     subjectID,
	}
	if err := d.validateFields(); err != nil {
		return nil, err
	}
	d.ContentHash = Hash(transactionID, instructions)
	return d, nil
}

// Verify checks the required fields and recomputes the content hash.
func (d *Descriptor) Verify() error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidDescriptor)
	}
	if err := d.validateFields(); err != nil {
		return err
	}
	if !IsHash(d.ContentHash) {
		return fmt.Errorf("%w: content hash is not 64 lowercase hex characters", ErrIntegrity)
	}
	want := Hash(d.TransactionID, d.Instructions)
	if subtle.ConstantTimeCompare([]byte(want), []byte(d.ContentHash)) != 1 {
		return fmt.Errorf("%w: transaction %q", ErrIntegrity, d.TransactionID)
	}
	return nil
}

// Subject returns the subject ID or "" for anonymous flows.
func (d *Descriptor) Subject() string {
	if d.SubjectID == nil {
		return ""
	}
	return *d.SubjectID
}

func (d *Descriptor) validateFields() error {
	if strings.TrimSpace(d.TransactionID) == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(d.Instructions) == "" {
		return fmt.Errorf("%w: instructions are required", ErrInvalidDescriptor)
	}
	return nil
}

// IsHash reports whether s looks like a content hash.
func IsHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
