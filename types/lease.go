package types

import "time"

// LeaseMode is either exclusive (mutations) or shared (inspection).
type LeaseMode string

const (
	LeaseExclusive LeaseMode = "exclusive"
	LeaseShared    LeaseMode = "shared"
)

// Lease is a time-bounded claim on a node by one orchestrator process.
type Lease struct {
	NodeID     string    `json:"node_id" bson:"node_id"`
	Holder     string    `json:"holder" bson:"holder"`
	Mode       LeaseMode `json:"mode" bson:"mode"`
	AcquiredAt time.Time `json:"acquired_at" bson:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at" bson:"expires_at"`
}

// Expired reports whether the lease is no longer valid at now.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
