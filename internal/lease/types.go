package lease

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// AllSlots passed as a slot id to Revoke targets every slot of the lease.
const AllSlots int64 = 0

var (
	ErrInsufficientPool = errors.New("lease: not enough free pool entries")
	ErrLeaseNotFound    = errors.New("lease: lease not found")
	ErrSlotNotFound     = errors.New("lease: slot not found")
	ErrInvalidRequest   = errors.New("lease: invalid request")
)

// InsufficientPoolError is returned by Allocate when the pool cannot cover
// the request. Nothing is bound when it is returned.
type InsufficientPoolError struct {
	Requested int
	Free      int
}

func (e *InsufficientPoolError) Error() string {
	return fmt.Sprintf("lease: requested %d slots, %d free", e.Requested, e.Free)
}

func (e *InsufficientPoolError) Is(target error) bool {
	return target == ErrInsufficientPool
}

// Request asks for Slots pool entries for Duration.
type Request struct {
	SubscriberID int64
	Slots        int
	Duration     time.Duration
}

func (r Request) validate() error {
	if r.Slots < 1 {
		return fmt.Errorf("%w: slot count %d", ErrInvalidRequest, r.Slots)
	}
	if r.Duration <= 0 {
		return fmt.Errorf("%w: duration %v", ErrInvalidRequest, r.Duration)
	}
	return nil
}

// Grant is a committed allocation.
type Grant struct {
	LeaseID      int64
	SubscriberID int64
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Slots        []Slot
}

// Slot is one subscriber-visible proxy endpoint.
type Slot struct {
	ID         int64
	LeaseID    int64
	SlotNumber int
	Port       int
	Username   string
	Password   string
	Token      string
	Status     string
	ExpiresAt  time.Time
}

// URL returns the socks5:// link for the slot served at host.
func (s Slot) URL(host string) string {
	u := url.URL{
		Scheme: "socks5",
		User:   url.UserPassword(s.Username, s.Password),
		Host:   net.JoinHostPort(host, strconv.Itoa(s.Port)),
	}
	return u.String()
}

// Lease is a subscriber's grant as stored.
type Lease struct {
	ID           int64
	SubscriberID int64
	SlotCount    int
	Status       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}
