package idempotency

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// DeliveryKey identifies one physical push. Either part may be empty when
// the caller omitted the header.
type DeliveryKey struct {
	RequestID        string
	RequestTimestamp string
}

func (k DeliveryKey) String() string { return k.RequestID + "-" + k.RequestTimestamp }

// ChangeKey identifies one logical change, independent of how often it was
// pushed.
type ChangeKey struct {
	Resource       string
	SubscriptionID string
}

func (k ChangeKey) String() string { return k.Resource + "-" + k.SubscriptionID }

// Backend keys are digests, so header content of any length or shape maps
// to a fixed, printable key.
func (k DeliveryKey) storageKey() string { return digest("d:", k.String()) }
func (k ChangeKey) storageKey() string   { return digest("c:", k.String()) }

func digest(ns, raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return ns + hex.EncodeToString(sum[:16])
}
