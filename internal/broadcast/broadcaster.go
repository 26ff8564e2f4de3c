// Package broadcast routes domain events to the live connections entitled to
// receive them. Events of one chat are published under that chat's lock so
// every recipient observes them in publish order.
package broadcast

import (
	"context"
	"encoding/json"
	"log"

	"github.com/samber/lo"

	"github.com/sation/messenger/internal/metrics"
	"github.com/sation/messenger/internal/protocol"
	"github.com/sation/messenger/internal/session"
)

// Entitlements answers who holds a ticket for a chat.
type Entitlements interface {
	MembersOf(ctx context.Context, chatID string) ([]int64, error)
}

// Registry resolves chat groups and user connections.
type Registry interface {
	RecipientsFor(chatID string) []session.Recipient
	ConnectionsOf(userID int64) []string
	JoinUser(userID int64, chatID string)
	LeaveUser(userID int64, chatID string)
	LeaveAll(chatID string)
}

// Deliverer hands an encoded frame to one connection. *Outboxes satisfies it.
type Deliverer interface {
	Deliver(connID string, data []byte) bool
}

// Relay forwards encoded events to peer nodes.
type Relay interface {
	PublishEvent(chatID string, data []byte) error
}

// relayEnvelope is the cross-node wire format.
type relayEnvelope struct {
	Origin   string          `json:"origin"`
	Audience []int64         `json:"audience,omitempty"`
	Event    json.RawMessage `json:"event"`
}

// Broadcaster publishes events to local connections and, when a relay is
// set, to peer nodes.
type Broadcaster struct {
	locks    *Locks
	members  Entitlements
	registry Registry
	out      Deliverer

	relay Relay
	node  string
}

// New creates a Broadcaster. locks must be the same instance the membership
// manager uses.
func New(locks *Locks, members Entitlements, registry Registry, out Deliverer) *Broadcaster {
	return &Broadcaster{
		locks:    locks,
		members:  members,
		registry: registry,
		out:      out,
	}
}

// SetRelay enables cross-node fan-out. node identifies this process so its
// own relayed events can be ignored on receipt.
func (b *Broadcaster) SetRelay(relay Relay, node string) {
	b.relay = relay
	b.node = node
}

// Publish delivers ev to every entitled live connection. Delivery is
// fire-and-forget: failures are logged and counted, never returned.
func (b *Broadcaster) Publish(ctx context.Context, ev protocol.Event) {
	data, err := ev.Encode()
	if err != nil {
		log.Printf("broadcast: %v", err)
		return
	}

	unlock := b.locks.Lock(ev.ChatID)
	defer unlock()

	n := b.deliverLocked(ctx, ev, data)
	metrics.EventsPublished.WithLabelValues(ev.Kind).Inc()
	log.Printf("broadcast: %s chat=%s recipients=%d", ev.Kind, ev.ChatID, n)

	if b.relay == nil {
		return
	}
	payload, err := json.Marshal(relayEnvelope{Origin: b.node, Audience: ev.Audience, Event: data})
	if err != nil {
		log.Printf("broadcast: relay encode %s: %v", ev.Kind, err)
		return
	}
	if err := b.relay.PublishEvent(ev.ChatID, payload); err != nil {
		log.Printf("broadcast: relay publish %s chat=%s: %v", ev.Kind, ev.ChatID, err)
	}
}

// HandleRemote applies an event relayed from a peer node. Membership
// hand-offs carried by the event are applied to the local registry before
// delivery. Events this node published itself are ignored.
func (b *Broadcaster) HandleRemote(ctx context.Context, payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("broadcast: relay decode: %v", err)
		return
	}
	if env.Origin == b.node {
		return
	}

	ev, ok, err := protocol.ParseServerEvent(env.Event)
	if err != nil || !ok {
		log.Printf("broadcast: relay event from %s ignored (ok=%v err=%v)", env.Origin, ok, err)
		return
	}
	ev.Audience = env.Audience

	unlock := b.locks.Lock(ev.ChatID)
	defer unlock()

	switch ev.Kind {
	case protocol.EventTicketGranted:
		if ev.Ticket != nil {
			b.registry.JoinUser(ev.Ticket.MemberID, ev.ChatID)
		}
	case protocol.EventTicketRevoked:
		if ev.Ticket != nil {
			b.registry.LeaveUser(ev.Ticket.MemberID, ev.ChatID)
		}
	case protocol.EventChatDeleted:
		// A removed member receives ChatDeleted alone, so only the
		// audience leaves the group.
		if len(ev.Audience) == 0 {
			b.registry.LeaveAll(ev.ChatID)
		}
		for _, userID := range ev.Audience {
			b.registry.LeaveUser(userID, ev.ChatID)
		}
	}

	b.deliverLocked(ctx, ev, env.Event)
}

func (b *Broadcaster) deliverLocked(ctx context.Context, ev protocol.Event, data []byte) int {
	var targets []string
	if len(ev.Audience) > 0 {
		for _, userID := range lo.Uniq(ev.Audience) {
			targets = append(targets, b.registry.ConnectionsOf(userID)...)
		}
	} else {
		members, err := b.members.MembersOf(ctx, ev.ChatID)
		if err != nil {
			log.Printf("broadcast: resolve members of chat=%s: %v", ev.ChatID, err)
			return 0
		}
		entitled := lo.SliceToMap(members, func(id int64) (int64, struct{}) { return id, struct{}{} })
		for _, r := range b.registry.RecipientsFor(ev.ChatID) {
			if _, ok := entitled[r.UserID]; ok {
				targets = append(targets, r.ConnID)
			}
		}
	}

	n := 0
	for _, connID := range lo.Uniq(targets) {
		if b.out.Deliver(connID, data) {
			n++
		}
	}
	return n
}
