package core

import (
	"fmt"
	"sync"
)

// IdentifierPool hands out small integer ids and recycles released slots.
// Id 0 is never returned so it can mean "unassigned".
type IdentifierPool struct {
	mu     sync.Mutex
	owners []interface{}
}

func NewIdentifierPool() *IdentifierPool {
	return &IdentifierPool{
		// slot 0 is reserved
		owners: make([]interface{}, 1, 64),
	}
}

func (ip *IdentifierPool) Acquire(owner interface{}) uint32 {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	length := uint32(len(ip.owners))
	for i := uint32(1); i < length; i++ {
		// Existing free spot. Take it.
		if ip.owners[i] == nil {
			ip.owners[i] = owner
			return i
		}
	}
	ip.owners = append(ip.owners, owner)
	return length
}

func (ip *IdentifierPool) Release(id uint32) error {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	length := uint32(len(ip.owners))
	if id == 0 || id >= length {
		return fmt.Errorf("identifier release: id '%d' out of range (max=%d). Nothing was done", id, length-1)
	}
	ip.owners[id] = nil
	return nil
}

// Owner returns whatever acquired id, or nil.
func (ip *IdentifierPool) Owner(id uint32) interface{} {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if id >= uint32(len(ip.owners)) {
		return nil
	}
	return ip.owners[id]
}

// Capacity is one past the highest id handed out so far.
func (ip *IdentifierPool) Capacity() int {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return len(ip.owners)
}
