package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStateString(t *testing.T) {
	cases := []struct {
		state SessionState
		want  string
	}{
		{SessionNotStarted, "NotStarted"},
		{SessionShutdownByExecutor, "ShutdownByExecutor"},
		{SessionShutdownByApplication, "ShutdownByApplication"},
		{SessionCompleted, "Completed"},
		{SessionState(99), "Unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.state.String())
	}
}

func TestStreamStateString(t *testing.T) {
	cases := []struct {
		state StreamState
		want  string
	}{
		{StreamNull, "Null"},
		{StreamActive, "Active"},
		{StreamDisconnecting, "Disconnecting"},
		{StreamFinishing, "Finishing"},
		{StreamState(-1), "Unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.state.String())
	}
}

func TestMessageSize(t *testing.T) {
	m := &Message{
		Data:       []byte("hello"),
		Attributes: map[string]string{"k": "vv"},
	}
	assert.Equal(t, int64(5+1+2), m.Size())

	empty := &Message{}
	assert.Equal(t, int64(0), empty.Size())
}
