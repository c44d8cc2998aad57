package party

import "time"

type Kind string

const (
	KindCustomer Kind = "customer"
	KindMerchant Kind = "merchant"
)

// Profile is the contact card shown next to an escrow transaction.
type Profile struct {
	ID          string
	Kind        Kind
	DisplayName string
	Email       string
	Verified    bool
	CreatedAt   time.Time
}
