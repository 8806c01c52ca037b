package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "listening", Listening.String())
	assert.Equal(t, "dead", Dead.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}

func TestCanTransition(t *testing.T) {
	allowed := map[State][]State{
		Starting:      {Online, Dead},
		Online:        {Listening, Disconnecting, Dead},
		Listening:     {Disconnecting, Dead},
		Disconnecting: {Dead},
	}
	all := []State{Starting, Online, Listening, Disconnecting, Dead}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.False(t, CanTransition(State(-1), Dead))
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, Disconnecting.IsLive())
	assert.False(t, Dead.IsLive())
	assert.True(t, Starting.Accepting())
	assert.True(t, Listening.Accepting())
	assert.False(t, Disconnecting.Accepting())
	assert.False(t, Dead.Accepting())
}
