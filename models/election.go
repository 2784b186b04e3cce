package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Phase is a stage of the election lifecycle. Phases only move forward.
type Phase int

const (
	PhaseInvalid Phase = iota
	PhaseRegistration
	PhaseVoting
	PhaseResults
	PhaseClosed
)

var phaseNames = map[Phase]string{
	PhaseRegistration: "registration",
	PhaseVoting:       "voting",
	PhaseResults:      "results",
	PhaseClosed:       "closed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "invalid"
}

// Next returns the immediate successor of p, or PhaseInvalid for Closed.
func (p Phase) Next() Phase {
	if p >= PhaseRegistration && p < PhaseClosed {
		return p + 1
	}
	return PhaseInvalid
}

func (p Phase) Valid() bool {
	return p >= PhaseRegistration && p <= PhaseClosed
}

func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for phase, name := range phaseNames {
		if name == s {
			return phase, nil
		}
	}
	return PhaseInvalid, fmt.Errorf("unknown phase %q", s)
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PhaseWindow is the scheduled time range of a phase.
type PhaseWindow struct {
	Phase Phase     `json:"phase"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w PhaseWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// PhaseEvent records a phase transition for the audit trail.
type PhaseEvent struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Override  bool      `json:"override"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Election struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Districts    []string      `json:"districts,omitempty"`
	Windows      []PhaseWindow `json:"windows"`
	Phase        Phase         `json:"phase"`
	History      []PhaseEvent  `json:"history,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Acknowledged []uint64      `json:"acknowledged_corruption,omitempty"`
}

// Window returns the scheduled window for phase, if one was configured.
func (e *Election) Window(phase Phase) (PhaseWindow, bool) {
	for _, w := range e.Windows {
		if w.Phase == phase {
			return w, true
		}
	}
	return PhaseWindow{}, false
}

// Validate checks the election definition. Windows must be well formed,
// non-overlapping and ordered registration < voting < results.
func (e *Election) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("election title is required")
	}
	if e.Phase != PhaseInvalid && !e.Phase.Valid() {
		return fmt.Errorf("invalid election phase %d", e.Phase)
	}

	var prev *PhaseWindow
	seen := make(map[Phase]bool)
	for i := range e.Windows {
		w := &e.Windows[i]
		if w.Phase < PhaseRegistration || w.Phase > PhaseResults {
			return fmt.Errorf("window %d: phase %v cannot be scheduled", i, w.Phase)
		}
		if seen[w.Phase] {
			return fmt.Errorf("window %d: duplicate window for %v", i, w.Phase)
		}
		seen[w.Phase] = true
		if !w.Start.Before(w.End) {
			return fmt.Errorf("%v window starts at or after its end", w.Phase)
		}
		if prev != nil {
			if w.Phase <= prev.Phase {
				return fmt.Errorf("%v window listed after %v window", w.Phase, prev.Phase)
			}
			if w.Start.Before(prev.End) {
				return fmt.Errorf("%v window overlaps %v window", w.Phase, prev.Phase)
			}
		}
		prev = w
	}

	seenDistrict := make(map[string]bool)
	for _, d := range e.Districts {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("empty district name")
		}
		if seenDistrict[d] {
			return fmt.Errorf("duplicate district %q", d)
		}
		seenDistrict[d] = true
	}
	return nil
}

// Clone returns a deep copy that can be handed to readers.
func (e *Election) Clone() *Election {
	c := *e
	c.Districts = append([]string(nil), e.Districts...)
	c.Windows = append([]PhaseWindow(nil), e.Windows...)
	c.History = append([]PhaseEvent(nil), e.History...)
	c.Acknowledged = append([]uint64(nil), e.Acknowledged...)
	return &c
}

// PhaseInfo is the public view of the current phase.
type PhaseInfo struct {
	Phase       Phase      `json:"phase"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
}
