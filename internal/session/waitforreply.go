package session

import (
	"context"
	"time"

	"github.com/lxp-bridge/bridge/internal/bridgeerr"
	"github.com/lxp-bridge/bridge/internal/bus"
	"github.com/lxp-bridge/bridge/internal/protocol"
)

// ReplyTimeout is the fixed window every WaitForReply call is bounded by
// (spec.md section 4.3 and section 5).
const ReplyTimeout = 5 * time.Second

// SubscribeForReply subscribes to from before a request is sent, so no
// reply can arrive and be missed between building the request and
// listening for its answer (spec.md section 4.3's "no lost wake-up").
func SubscribeForReply(from *bus.Bus[protocol.Packet]) *bus.Subscription[protocol.Packet] {
	return from.Subscribe()
}

// WaitForReply blocks until a packet matching request's fingerprint
// arrives on sub, the connection for request's datalog is reported lost
// on connLost, ReplyTimeout elapses, or ctx is cancelled. connLost may be
// nil if the caller doesn't want early wakeup on disconnect.
func WaitForReply(
	ctx context.Context,
	sub *bus.Subscription[protocol.Packet],
	connLost *bus.Subscription[protocol.Serial],
	request protocol.Packet,
) (protocol.Packet, error) {
	want := protocol.FingerprintOf(request)
	datalog := request.Datalog()

	timer := time.NewTimer(ReplyTimeout)
	defer timer.Stop()

	var lostC <-chan protocol.Serial
	if connLost != nil {
		lostC = connLost.C()
	}

	for {
		select {
		case pkt := <-sub.C():
			if protocol.FingerprintOf(pkt) == want {
				return pkt, nil
			}
		case lost := <-lostC:
			if lost == datalog {
				return protocol.Packet{}, bridgeerr.New(bridgeerr.KindConnectFailed, "connection lost while waiting for reply")
			}
		case <-timer.C:
			return protocol.Packet{}, bridgeerr.New(bridgeerr.KindTimeout, "timed out waiting for reply")
		case <-ctx.Done():
			return protocol.Packet{}, ctx.Err()
		}
	}
}
