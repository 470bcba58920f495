// Package connectivity tracks whether the backend is believed reachable and
// broadcasts transitions to subscribers.
package connectivity

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

type State int

const (
	Unknown State = iota
	Online
	Offline
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// ParseState parses "online" or "offline".
func ParseState(s string) (State, error) {
	switch s {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	default:
		return Unknown, fmt.Errorf("unknown connectivity state %q: must be either \"online\" or \"offline\"", s)
	}
}

// Notifier holds the last reported connectivity state. Subscribers receive
// each transition; a slow subscriber only ever sees the latest state.
type Notifier struct {
	mu     sync.Mutex
	state  State
	subs   map[int]chan State
	nextID int
}

func NewNotifier(initial State) *Notifier {
	return &Notifier{
		state: initial,
		subs:  map[int]chan State{},
	}
}

func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Offline reports whether the device is known to be offline. An unknown state
// is treated as possibly online.
func (n *Notifier) Offline() bool {
	return n.State() == Offline
}

// Set records a new state, notifying subscribers if it changed.
func (n *Notifier) Set(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s == n.state {
		return
	}

	log.Info().
		Stringer("from", n.state).
		Stringer("to", s).
		Msg("connectivity changed")

	n.state = s
	for _, ch := range n.subs {
		// replace any undelivered state with the latest one
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Subscribe returns a channel of state transitions and a function that ends
// the subscription.
func (n *Notifier) Subscribe() (<-chan State, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan State, 1)
	n.subs[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}
