package gateway

import (
	"sync/atomic"
)

// HostList is an immutable list of destination hosts with an atomic
// round-robin cursor. Advance is called by the retry runner between
// attempts whose failure originated at the target.
type HostList struct {
	hosts []string
	index uint32
}

func NewHostList(hosts []string) *HostList {
	return &HostList{hosts: hosts}
}

func (h *HostList) Current() string {
	if len(h.hosts) == 0 {
		return ""
	}
	return h.hosts[atomic.LoadUint32(&h.index)%uint32(len(h.hosts))]
}

func (h *HostList) Advance() string {
	if len(h.hosts) == 0 {
		return ""
	}
	return h.hosts[atomic.AddUint32(&h.index, 1)%uint32(len(h.hosts))]
}

func (h *HostList) Size() int {
	return len(h.hosts)
}
