package lib

import (
	"time"

	"github.com/TheSmallBoat/muxstream/packet"
)

type sendKind uint8

const (
	sendNone sendKind = iota
	sendPacket
	sendClose
	sendCloseWithPacket
)

// sendBack is what a handler wants done after it looked at one inbound
// packet.
type sendBack struct {
	kind   sendKind
	packet packet.Kind
	id     uint32
}

var none = sendBack{}

func reply(kind packet.Kind, id uint32) sendBack {
	return sendBack{kind: sendPacket, packet: kind, id: id}
}

// keepAlive ticks every timeout/2, or never if timeout is zero.
type keepAlive struct {
	t *time.Ticker
}

func (k *keepAlive) reset(timeout time.Duration) {
	k.stop()
	if timeout > 0 {
		k.t = time.NewTicker(timeout / 2)
	}
}

func (k *keepAlive) stop() {
	if k.t != nil {
		k.t.Stop()
		k.t = nil
	}
}

func (k *keepAlive) C() <-chan time.Time {
	if k.t == nil {
		return nil
	}
	return k.t.C
}
