package reconcile

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/HyphaGroup/agentbridge/internal/agent"
)

// DefaultTerminalMarks bounds how many terminated task ids are remembered
const DefaultTerminalMarks = 1024

// TerminalMarks is a bounded TerminalSet. The oldest marks are evicted
// first, so only tasks far in the past can be forgotten. A nil
// *TerminalMarks is an empty set that ignores marks.
type TerminalMarks struct {
	cache *lru.Cache[string, agent.EventType]
}

var _ TerminalSet = (*TerminalMarks)(nil)

// NewTerminalMarks creates a set holding up to size ids
func NewTerminalMarks(size int) *TerminalMarks {
	if size <= 0 {
		size = DefaultTerminalMarks
	}
	// lru.New only errors on a non-positive size
	cache, _ := lru.New[string, agent.EventType](size)
	return &TerminalMarks{cache: cache}
}

// Mark records that taskID reached a terminal state. The first mark wins.
func (m *TerminalMarks) Mark(taskID string, how agent.EventType) bool {
	if m == nil || taskID == "" {
		return false
	}
	ok, _ := m.cache.ContainsOrAdd(taskID, how)
	return !ok
}

// Contains reports whether taskID has been marked
func (m *TerminalMarks) Contains(taskID string) bool {
	if m == nil {
		return false
	}
	return m.cache.Contains(taskID)
}

// How returns the terminal type taskID was marked with
func (m *TerminalMarks) How(taskID string) (agent.EventType, bool) {
	if m == nil {
		return "", false
	}
	return m.cache.Peek(taskID)
}

// Len returns the number of remembered ids
func (m *TerminalMarks) Len() int {
	if m == nil {
		return 0
	}
	return m.cache.Len()
}
