// Package session implements one inverter's TCP connection: the
// Disconnected/Connecting/Connected/Draining state machine, the framed
// reader/writer pair, the heartbeat watchdog, and WaitForReply's
// request/reply correlation (spec.md section 4.3).
package session

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lxp-bridge/bridge/internal/bus"
	"github.com/lxp-bridge/bridge/internal/config"
	"github.com/lxp-bridge/bridge/internal/protocol"
)

// State is one node of the connection state machine in spec.md section 4.3.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

const (
	minBackoff = 1 * time.Second
	maxBackoff = 60 * time.Second
)

// Dialer abstracts net.Dial for tests.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

func defaultDialer(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Session owns one inverter's TCP connection and its reader/writer tasks.
// ToInverter and FromInverter are the shared, system-wide broadcast buses
// described in spec.md section 4.2: every session subscribes to the same
// ToInverter bus and ignores frames not addressed to its own datalog, and
// every session publishes decoded frames onto the same FromInverter bus.
type Session struct {
	Inverter     config.Inverter
	ToInverter   *bus.Bus[protocol.Packet]
	FromInverter *bus.Bus[protocol.Packet]
	ConnLost     *bus.Bus[protocol.Serial]
	// Connected is notified with the inverter's datalog serial each time a
	// TCP handshake completes, driving the coordinator's on-connect
	// holding-register handshake (spec.md section 4.5 item 3).
	Connected *bus.Bus[protocol.Serial]
	Dial      Dialer
	Log       zerolog.Logger
}

// Run drives the state machine until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	dial := s.Dial
	if dial == nil {
		dial = defaultDialer
	}

	backoff := minBackoff
	state := StateDisconnected

	for ctx.Err() == nil {
		switch state {
		case StateDisconnected:
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			state = StateConnecting

		case StateConnecting:
			traceID := uuid.NewString()
			log := s.Log.With().Str("trace_id", traceID).Logger()
			addr := net.JoinHostPort(s.Inverter.Host, strconv.Itoa(int(s.Inverter.Port)))
			log.Info().Str("addr", addr).Msg("connecting to inverter")

			conn, err := dial(ctx, "tcp", addr)
			if err != nil {
				log.Warn().Err(err).Dur("backoff", backoff).Msg("connect failed, backing off")
				backoff = nextBackoff(backoff)
				state = StateDisconnected
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetNoDelay(s.Inverter.TCPNoDelayEnabled())
			}

			backoff = minBackoff
			state = s.runConnected(ctx, conn, log)
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// runConnected drives the Connected state: spawns reader and writer tasks
// sharing conn, waits for either to fail or for ctx to cancel, then
// transitions to Draining semantics inline before returning the next state.
func (s *Session) runConnected(ctx context.Context, conn net.Conn, log zerolog.Logger) State {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readTimeout := time.Duration(s.Inverter.ReadTimeout()) * time.Second
	errs := make(chan error, 2)

	datalog, err := protocol.ParseSerial(s.Inverter.Datalog)
	if err != nil {
		log.Error().Err(err).Msg("invalid configured datalog serial")
		_ = conn.Close()
		return StateDisconnected
	}

	go func() { errs <- s.readLoop(connCtx, conn, readTimeout, datalog, log) }()
	go func() { errs <- s.writeLoop(connCtx, conn, datalog, log) }()

	s.Connected.Send(datalog)
	log.Info().Msg("inverter connected")

	var loopErr error
	select {
	case loopErr = <-errs:
	case <-ctx.Done():
		loopErr = ctx.Err()
	}

	log.Warn().Err(loopErr).Msg("draining session")
	cancel()
	_ = conn.Close()
	<-errs // wait for the other goroutine to notice cancellation and exit

	if s.ConnLost != nil {
		s.ConnLost.Send(datalog)
	}

	return StateDisconnected
}

func (s *Session) readLoop(ctx context.Context, conn net.Conn, readTimeout time.Duration, datalog protocol.Serial, log zerolog.Logger) error {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		n, err := conn.Read(chunk)
		if err != nil {
			return err
		}
		buf = append(buf, chunk[:n]...)

		for {
			result, decErr := protocol.Decode(buf)
			if decErr != nil {
				if errors.As(decErr, new(protocol.ErrIncomplete)) {
					break
				}
				log.Warn().Err(decErr).Msg("invalid frame, dropping connection")
				return decErr
			}

			buf = buf[result.Consumed:]
			pkt := result.Packet

			if pkt.Heartbeat != nil && s.Inverter.HeartbeatsEnabled() {
				echo := pkt
				s.ToInverter.Send(echo)
			}

			s.FromInverter.Send(pkt)
		}

		if len(buf) == 0 {
			buf = buf[:0]
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, conn net.Conn, datalog protocol.Serial, log zerolog.Logger) error {
	sub := s.ToInverter.Subscribe()
	defer sub.Close()

	delay := time.Duration(s.Inverter.DelayMsOrDefault()) * time.Millisecond
	limiter := rate.NewLimiter(rate.Every(delay), 1)

	for {
		select {
		case pkt := <-sub.C():
			if pkt.Datalog() != datalog {
				continue // addressed to a different inverter's session
			}
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			encoded, err := protocol.Encode(pkt)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode outbound packet")
				continue
			}
			if _, err := conn.Write(encoded); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
