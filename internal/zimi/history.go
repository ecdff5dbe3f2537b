package zimi

import "time"

// historyCap bounds the history ring; the oldest events fall off.
const historyCap = 1000

// HistoryEvent records one library change with a snapshot of the archive as
// it was at the time.
type HistoryEvent struct {
	Time    int64    `json:"time"`
	Kind    string   `json:"kind"` // downloaded, updated, deleted
	Archive *Archive `json:"archive"`
}

// AppendHistory appends an event and persists the log.
func (s *State) AppendHistory(kind string, a *Archive) {
	snap := &Archive{
		ID: a.ID, Path: a.Path, Size: a.Size, ModTime: a.ModTime,
		Entries: a.Entries, Title: a.Title, Description: a.Description,
		Language: a.Language, Publisher: a.Publisher, Flavor: a.Flavor,
		Category: a.Category,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, HistoryEvent{
		Time:    time.Now().Unix(),
		Kind:    kind,
		Archive: snap,
	})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	if err := s.writeJSON("history.json", s.history); err != nil {
		s.logger.Warn("persisting history failed", "error", err)
	}
}

// History returns the events, most recent last.
func (s *State) History() []HistoryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEvent, len(s.history))
	copy(out, s.history)
	return out
}
