package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryHub is a single-process Hub.
type MemoryHub struct {
	mu     sync.RWMutex
	groups map[string]map[string]Member
	logger *zap.Logger
}

// NewMemoryHub constructs an empty MemoryHub.
func NewMemoryHub(logger *zap.Logger) *MemoryHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryHub{
		groups: make(map[string]map[string]Member),
		logger: logger,
	}
}

// Join adds member to group. Joining twice is a no-op.
func (h *MemoryHub) Join(_ context.Context, group string, member Member) error {
	if err := validateMember(group, member); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]Member)
		h.groups[group] = members
	}
	members[member.MemberID()] = member
	return nil
}

// Leave removes member from group. Leaving a group the member never joined is a no-op.
func (h *MemoryHub) Leave(_ context.Context, group string, member Member) {
	if validateMember(group, member) != nil {
		return
	}
	h.mu.Lock()
	members := h.groups[group]
	if members != nil {
		delete(members, member.MemberID())
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()
}

// Publish delivers message to the members present when the call started.
// A member that fails to accept the message is logged and skipped.
func (h *MemoryHub) Publish(_ context.Context, message Message) error {
	if err := validateMessage(message); err != nil {
		return err
	}
	h.mu.RLock()
	members := h.groups[message.Group]
	if len(members) == 0 {
		h.mu.RUnlock()
		return nil
	}
	recipients := make([]Member, 0, len(members))
	for _, member := range members {
		recipients = append(recipients, member)
	}
	h.mu.RUnlock()

	for _, member := range recipients {
		if err := member.Deliver(message); err != nil {
			h.logger.Warn("broadcast delivery skipped",
				zap.String("group", message.Group),
				zap.String("member_id", member.MemberID()),
				zap.Error(err))
		}
	}
	return nil
}

// Size reports the number of members currently in group.
func (h *MemoryHub) Size(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}
