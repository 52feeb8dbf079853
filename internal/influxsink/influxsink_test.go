package influxsink

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/reading"
)

type fakeStats struct {
	writes, errors int
}

func (f *fakeStats) IncInfluxWrites() { f.writes++ }
func (f *fakeStats) IncInfluxErrors() { f.errors++ }

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	s, err := New(config.Influx{Enabled: false}, &fakeStats{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestAuthTokenFormatsUserPass(t *testing.T) {
	user := "alice"
	pass := "hunter2"
	assert.Equal(t, "alice:hunter2", authToken(config.Influx{Username: &user, Password: &pass}))
	assert.Equal(t, "", authToken(config.Influx{}))
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	s := &Sink{queue: make(chan reading.Input, 2), stats: &fakeStats{}}

	s.Enqueue(reading.Input{Register: 1, Time: time.Unix(1, 0)})
	s.Enqueue(reading.Input{Register: 2, Time: time.Unix(2, 0)})
	s.Enqueue(reading.Input{Register: 3, Time: time.Unix(3, 0)})

	first := <-s.queue
	second := <-s.queue
	assert.Equal(t, uint16(2), first.Register)
	assert.Equal(t, uint16(3), second.Register)
	assert.Equal(t, 1, s.stats.(*fakeStats).errors)
}

func TestNilSinkMethodsAreNoops(t *testing.T) {
	var s *Sink
	assert.NotPanics(t, func() {
		s.Enqueue(reading.Input{})
		s.Run(nil)
	})
}
