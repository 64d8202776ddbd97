package relay

import (
	"sync"
	"time"
)

// Registry tracks live channels by client id. Relay and control channels
// form independent namespaces; a client typically holds one of each.
type Registry struct {
	mu       sync.RWMutex
	relays   map[string]*VNCChannel
	messages map[string]*MessageChannel
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		relays:   make(map[string]*VNCChannel),
		messages: make(map[string]*MessageChannel),
	}
}

// AddRelay registers a relay channel and returns the channel it displaced,
// if any. The caller owns shutting the old one down.
func (r *Registry) AddRelay(ch *VNCChannel) *VNCChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.relays[ch.clientID]
	r.relays[ch.clientID] = ch
	if old == ch {
		return nil
	}
	return old
}

// AddMessage registers a control channel and returns the channel it
// displaced, if any.
func (r *Registry) AddMessage(ch *MessageChannel) *MessageChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.messages[ch.clientID]
	r.messages[ch.clientID] = ch
	if old == ch {
		return nil
	}
	return old
}

// rawRelay looks up without a liveness check. Used by IsOpen to avoid
// recursing through the filtered accessors.
func (r *Registry) rawRelay(clientID string) *VNCChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relays[clientID]
}

func (r *Registry) rawMessage(clientID string) *MessageChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.messages[clientID]
}

// Relay returns the open relay channel for a client, or nil.
func (r *Registry) Relay(clientID string) *VNCChannel {
	ch := r.rawRelay(clientID)
	if ch == nil || !ch.IsOpen() {
		return nil
	}
	return ch
}

// Message returns the open control channel for a client, or nil. Dead
// entries found on the way are dropped.
func (r *Registry) Message(clientID string) *MessageChannel {
	ch := r.rawMessage(clientID)
	if ch == nil {
		return nil
	}
	if !ch.IsOpen() {
		r.RemoveMessage(clientID, ch)
		return nil
	}
	return ch
}

// RemoveRelay deregisters a relay channel, but only if the entry still
// points at it. A displaced channel tearing down must not evict its
// replacement.
func (r *Registry) RemoveRelay(clientID string, ch *VNCChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relays[clientID] == ch {
		delete(r.relays, clientID)
	}
}

// RemoveMessage deregisters a control channel if the entry still points
// at it.
func (r *Registry) RemoveMessage(clientID string, ch *MessageChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages[clientID] == ch {
		delete(r.messages, clientID)
	}
}

// CountForOrg counts live channels belonging to an organization, both
// kinds combined. Enforces the per-org channel cap at handshake.
func (r *Registry) CountForOrg(orgID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ch := range r.relays {
		if ch.orgID == orgID && !ch.closed.Load() {
			n++
		}
	}
	for _, ch := range r.messages {
		if ch.orgID == orgID && !ch.closed.Load() {
			n++
		}
	}
	return n
}

// ChannelInfo is the admin view of one live channel.
type ChannelInfo struct {
	ClientID   string    `json:"client_id"`
	OrgID      string    `json:"org_id"`
	Kind       string    `json:"kind"` // "relay" or "control"
	AnchorKind string    `json:"anchor_kind"`
	AnchorID   string    `json:"anchor_id"`
	Interactor string    `json:"interactor,omitempty"`
	Open       bool      `json:"open"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Snapshot lists channels for an organization; an empty orgID lists all.
func (r *Registry) Snapshot(orgID string) []ChannelInfo {
	r.mu.RLock()
	relays := make([]*VNCChannel, 0, len(r.relays))
	for _, ch := range r.relays {
		relays = append(relays, ch)
	}
	messages := make([]*MessageChannel, 0, len(r.messages))
	for _, ch := range r.messages {
		messages = append(messages, ch)
	}
	r.mu.RUnlock()

	infos := make([]ChannelInfo, 0, len(relays)+len(messages))
	for _, ch := range relays {
		if orgID != "" && ch.orgID != orgID {
			continue
		}
		infos = append(infos, ChannelInfo{
			ClientID:   ch.clientID,
			OrgID:      ch.orgID,
			Kind:       "relay",
			AnchorKind: ch.anchorKind,
			AnchorID:   ch.anchorID,
			Interactor: ch.Interactor(),
			Open:       ch.IsOpen(),
			OpenedAt:   ch.openedAt,
		})
	}
	for _, ch := range messages {
		if orgID != "" && ch.orgID != orgID {
			continue
		}
		infos = append(infos, ChannelInfo{
			ClientID:   ch.clientID,
			OrgID:      ch.orgID,
			Kind:       "control",
			AnchorKind: ch.anchorKind,
			AnchorID:   ch.anchorID,
			Open:       ch.IsOpen(),
			OpenedAt:   ch.openedAt,
		})
	}
	return infos
}
