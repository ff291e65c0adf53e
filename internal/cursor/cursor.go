// internal/cursor/cursor.go
package cursor

import (
	"sort"
	"sync"
	"time"

	"github.com/softwarefaith/appflowy/pkg/ot"
)

// Position represents a user's cursor position in a document
type Position struct {
	ClientID  string    `json:"clientId"`
	Username  string    `json:"username"`
	Position  int       `json:"position"`
	Color     string    `json:"color"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Selection represents a text selection
type Selection struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Color    string `json:"color"`
}

// Manager tracks the cursors and selections of one document and keeps them
// in place while the document changes.
type Manager struct {
	mu         sync.RWMutex
	cursors    map[string]*Position
	selections map[string]*Selection
}

// NewManager creates a new cursor manager
func NewManager() *Manager {
	return &Manager{
		cursors:    make(map[string]*Position),
		selections: make(map[string]*Selection),
	}
}

// UpdatePosition updates a client's cursor position
func (m *Manager) UpdatePosition(clientID, username, color string, position int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursors[clientID] = &Position{
		ClientID:  clientID,
		Username:  username,
		Position:  position,
		Color:     color,
		UpdatedAt: time.Now(),
	}
}

// UpdateSelection updates a client's text selection. An empty range clears it.
func (m *Manager) UpdateSelection(clientID, username, color string, start, end int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if start == end {
		delete(m.selections, clientID)
		return
	}
	if start > end {
		start, end = end, start
	}
	m.selections[clientID] = &Selection{
		ClientID: clientID,
		Username: username,
		Start:    start,
		End:      end,
		Color:    color,
	}
}

// RemoveClient removes a client's cursor and selection
func (m *Manager) RemoveClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cursors, clientID)
	delete(m.selections, clientID)
}

// Transform moves every cursor and selection across d. The author's own
// cursor stays in front of text it inserts at the caret.
func (m *Manager) Transform(d ot.Delta, authorID string) {
	if d.IsNoop() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.cursors {
		c.Position = d.TransformPosition(c.Position, id != authorID)
	}
	for id, s := range m.selections {
		s.Start = d.TransformPosition(s.Start, false)
		s.End = d.TransformPosition(s.End, true)
		if s.Start >= s.End {
			delete(m.selections, id)
		}
	}
}

// Cursors returns all cursor positions except for the requesting client,
// ordered by client id.
func (m *Manager) Cursors(excludeClientID string) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var positions []Position
	for id, c := range m.cursors {
		if id != excludeClientID {
			positions = append(positions, *c)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ClientID < positions[j].ClientID })
	return positions
}

// Selections returns all selections except for the requesting client,
// ordered by client id.
func (m *Manager) Selections(excludeClientID string) []Selection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var selections []Selection
	for id, s := range m.selections {
		if id != excludeClientID {
			selections = append(selections, *s)
		}
	}
	sort.Slice(selections, func(i, j int) bool { return selections[i].ClientID < selections[j].ClientID })
	return selections
}

// CleanupStale removes cursor positions that haven't been updated recently
func (m *Manager) CleanupStale(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, c := range m.cursors {
		if now.Sub(c.UpdatedAt) > timeout {
			delete(m.cursors, id)
			delete(m.selections, id)
		}
	}
}
