package journal

import "sort"

// Summary condenses a journal into per-run totals.
type Summary struct {
	Events    int            `json:"events"`
	Workers   []string       `json:"workers"`
	Rejected  int            `json:"rejected"`
	Dead      []string       `json:"dead,omitempty"`
	Bugs      int            `json:"bugs"`
	Stops     int            `json:"stops"`
	Reports   int            `json:"reports"`
	Traces    []string       `json:"traces,omitempty"`
	Completed bool           `json:"completed"`
	ByType    map[string]int `json:"by_type"`
}

// Summarize replays path into a Summary.
func Summarize(path string) (Summary, error) {
	s := Summary{ByType: make(map[string]int)}
	workers := make(map[string]struct{})

	err := Replay(path, func(e Event) error {
		s.Events++
		s.ByType[string(e.Type)]++

		switch e.Type {
		case EventConnect:
			workers[e.Worker] = struct{}{}
		case EventReject:
			s.Rejected++
		case EventDead:
			s.Dead = append(s.Dead, e.Worker)
		case EventBug:
			s.Bugs++
		case EventStop:
			s.Stops++
		case EventReport:
			s.Reports++
		case EventTrace:
			s.Traces = append(s.Traces, e.Detail)
		case EventComplete:
			s.Completed = true
		}
		return nil
	})
	if err != nil {
		return s, err
	}

	for w := range workers {
		s.Workers = append(s.Workers, w)
	}
	sort.Strings(s.Workers)
	return s, nil
}
