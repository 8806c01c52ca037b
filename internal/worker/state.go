package worker

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of one worker process.
type State int

const (
	// Starting: forked, has not reported online yet.
	Starting State = iota
	// Online: executing, not accepting work yet.
	Online
	// Listening: accepting work.
	Listening
	// Disconnecting: asked by the supervisor to finish and exit.
	Disconnecting
	// Dead: the process exited. Terminal.
	Dead
)

var ErrIllegalTransition = errors.New("illegal worker state transition")

var stateNames = [...]string{
	Starting:      "starting",
	Online:        "online",
	Listening:     "listening",
	Disconnecting: "disconnecting",
	Dead:          "dead",
}

func (s State) String() string {
	if s < Starting || s > Dead {
		return fmt.Sprintf("unknown(%d)", int(s))
	}
	return stateNames[s]
}

// transitions lists, for every state, the states it may move to.
var transitions = [...][]State{
	Starting:      {Online, Dead},
	Online:        {Listening, Disconnecting, Dead},
	Listening:     {Disconnecting, Dead},
	Disconnecting: {Dead},
	Dead:          nil,
}

func CanTransition(from, to State) bool {
	if from < Starting || from > Dead {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsLive reports whether the process is still running.
func (s State) IsLive() bool {
	return s != Dead
}

// Accepting reports whether the worker may still receive new work or
// application messages.
func (s State) Accepting() bool {
	return s == Starting || s == Online || s == Listening
}
