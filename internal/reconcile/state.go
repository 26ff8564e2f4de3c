// Package reconcile maintains a client's local view of its chats and the
// active chat's timeline. State is a value: every transition returns a new
// State and leaves the receiver untouched, so snapshots can be kept and
// compared freely.
//
// All transitions are idempotent and tolerate events that reference chats
// or messages the client does not have.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/sation/messenger/internal/protocol"
	"github.com/sation/messenger/internal/store"
)

const dateLayout = "2006-01-02"

// Bucket groups one calendar day's messages in (CreatedAt, ID) order.
type Bucket struct {
	Date     string
	Messages []store.Message
}

// ChatView is the client's view of one chat. Buckets are only populated for
// the active chat, and only after its timeline has been loaded.
type ChatView struct {
	ID          string
	Name        string
	CreatorID   int64
	CreatedAt   time.Time
	LastMessage *store.Message
	Buckets     []Bucket
	Loaded      bool
}

// State is the full client view.
type State struct {
	Self         int64
	Loc          *time.Location
	Chats        []ChatView
	ActiveChatID string
}

// New returns an empty State for user self. Dates are bucketed in loc, or in
// time.Local when loc is nil.
func New(self int64, loc *time.Location) State {
	if loc == nil {
		loc = time.Local
	}
	return State{Self: self, Loc: loc}
}

// Chat returns the view of chatID.
func (s State) Chat(chatID string) (ChatView, bool) {
	i := s.indexOf(chatID)
	if i < 0 {
		return ChatView{}, false
	}
	return s.Chats[i], true
}

// Load replaces the chat list with a full re-fetch. The active chat stays
// selected if it still exists; every timeline must be reloaded.
func (s State) Load(chats []store.ChatSummary) State {
	next := s
	next.Chats = make([]ChatView, 0, len(chats))
	active := ""
	for _, c := range chats {
		v := ChatView{ID: c.ID, Name: c.Name, CreatorID: c.CreatorID, CreatedAt: c.CreatedAt}
		if c.LastMessage != nil {
			m := *c.LastMessage
			v.LastMessage = &m
		}
		if c.ID == s.ActiveChatID {
			active = c.ID
		}
		next.Chats = append(next.Chats, v)
	}
	next.ActiveChatID = active
	return next
}

// Select makes chatID active and drops every other chat's timeline. An
// unknown chatID clears the selection.
func (s State) Select(chatID string) State {
	if s.indexOf(chatID) < 0 {
		chatID = ""
	}
	next := s.clone()
	next.ActiveChatID = chatID
	for i := range next.Chats {
		if next.Chats[i].ID != chatID {
			next.Chats[i].Buckets = nil
			next.Chats[i].Loaded = false
		}
	}
	return next
}

// LoadTimeline installs the full message list of chatID. It is ignored
// unless chatID is the active chat. The last-message cache is refreshed from
// the loaded messages.
func (s State) LoadTimeline(chatID string, msgs []store.Message) State {
	i := s.indexOf(chatID)
	if i < 0 || chatID != s.ActiveChatID {
		return s
	}
	next := s.clone()
	v := &next.Chats[i]
	v.Buckets = nil
	v.Loaded = true
	v.LastMessage = nil
	for _, m := range msgs {
		if m.ChatID != chatID {
			continue
		}
		v.Buckets = insertMessage(v.Buckets, m, s.loc())
		if v.LastMessage == nil || v.LastMessage.Before(m) {
			m := m
			v.LastMessage = &m
		}
	}
	return next
}

// ApplyFrame decodes a server frame and applies it. Frames that are not
// domain events leave the state unchanged.
func (s State) ApplyFrame(data []byte) (State, error) {
	ev, ok, err := protocol.ParseServerEvent(data)
	if err != nil {
		return s, fmt.Errorf("reconcile: %w", err)
	}
	if !ok {
		return s, nil
	}
	return s.Apply(ev), nil
}

// Apply returns the state after ev.
func (s State) Apply(ev protocol.Event) State {
	switch ev.Kind {
	case protocol.EventChatCreated:
		return s.chatCreated(ev.Chat, ev.Invited)
	case protocol.EventChatDeleted:
		return s.chatDeleted(ev.ChatID)
	case protocol.EventTicketRevoked:
		if ev.Ticket != nil && ev.Ticket.MemberID == s.Self {
			return s.chatDeleted(ev.ChatID)
		}
	case protocol.EventMessageCreated:
		if ev.Message != nil {
			return s.messageCreated(*ev.Message)
		}
	case protocol.EventMessageEdited:
		if ev.Message != nil {
			return s.messageEdited(*ev.Message)
		}
	case protocol.EventMessageDeleted:
		return s.messageDeleted(ev.ChatID, ev.MessageID)
	}
	return s
}

// chatCreated adds the chat. Only a chat this user just created takes focus
// with an empty, complete timeline; an invitation into an existing chat,
// even one this user once created, leaves the timeline for LoadTimeline.
func (s State) chatCreated(c *store.Chat, invited bool) State {
	if c == nil || s.indexOf(c.ID) >= 0 {
		return s
	}
	next := s.clone()
	next.Chats = append(next.Chats, ChatView{ID: c.ID, Name: c.Name, CreatorID: c.CreatorID, CreatedAt: c.CreatedAt})
	if invited || c.CreatorID != s.Self {
		return next
	}
	next = next.Select(c.ID)
	next.Chats[len(next.Chats)-1].Loaded = true
	return next
}

func (s State) chatDeleted(chatID string) State {
	i := s.indexOf(chatID)
	if i < 0 {
		return s
	}
	next := s
	next.Chats = make([]ChatView, 0, len(s.Chats)-1)
	next.Chats = append(next.Chats, s.Chats[:i]...)
	next.Chats = append(next.Chats, s.Chats[i+1:]...)
	if next.ActiveChatID == chatID {
		next.ActiveChatID = ""
	}
	return next
}

func (s State) messageCreated(m store.Message) State {
	i := s.indexOf(m.ChatID)
	if i < 0 {
		return s
	}
	next := s.clone()
	v := &next.Chats[i]
	if v.LastMessage == nil || v.LastMessage.Before(m) {
		last := m
		v.LastMessage = &last
	}
	if v.ID == s.ActiveChatID && v.Loaded && !containsMessage(v.Buckets, m.ID) {
		v.Buckets = insertMessage(v.Buckets, m, s.loc())
	}
	return next
}

func (s State) messageEdited(m store.Message) State {
	i := s.indexOf(m.ChatID)
	if i < 0 {
		return s
	}
	next := s.clone()
	v := &next.Chats[i]
	if v.LastMessage != nil && v.LastMessage.ID == m.ID {
		last := *v.LastMessage
		last.Content, last.Edited = m.Content, m.Edited
		v.LastMessage = &last
	}
	for b := range v.Buckets {
		for k := range v.Buckets[b].Messages {
			if v.Buckets[b].Messages[k].ID != m.ID {
				continue
			}
			v.Buckets = cloneBuckets(v.Buckets)
			msgs := append([]store.Message(nil), v.Buckets[b].Messages...)
			msgs[k].Content, msgs[k].Edited = m.Content, m.Edited
			v.Buckets[b].Messages = msgs
			return next
		}
	}
	return next
}

func (s State) messageDeleted(chatID string, messageID int64) State {
	i := s.indexOf(chatID)
	if i < 0 {
		return s
	}
	next := s.clone()
	v := &next.Chats[i]
	if v.LastMessage != nil && v.LastMessage.ID == messageID {
		v.LastMessage = nil
	}
	for b := range v.Buckets {
		for k := range v.Buckets[b].Messages {
			if v.Buckets[b].Messages[k].ID != messageID {
				continue
			}
			old := v.Buckets[b].Messages
			if len(old) == 1 {
				v.Buckets = append(append([]Bucket(nil), v.Buckets[:b]...), v.Buckets[b+1:]...)
				return next
			}
			v.Buckets = cloneBuckets(v.Buckets)
			msgs := make([]store.Message, 0, len(old)-1)
			msgs = append(msgs, old[:k]...)
			v.Buckets[b].Messages = append(msgs, old[k+1:]...)
			return next
		}
	}
	return next
}

func (s State) indexOf(chatID string) int {
	if chatID == "" {
		return -1
	}
	for i := range s.Chats {
		if s.Chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

func (s State) loc() *time.Location {
	if s.Loc == nil {
		return time.Local
	}
	return s.Loc
}

// clone copies the chat slice so a ChatView can be modified in place. Bucket
// slices stay shared and must be copied before they are written.
func (s State) clone() State {
	next := s
	next.Chats = append([]ChatView(nil), s.Chats...)
	return next
}

func cloneBuckets(buckets []Bucket) []Bucket {
	return append([]Bucket(nil), buckets...)
}

func containsMessage(buckets []Bucket, id int64) bool {
	for _, b := range buckets {
		for _, m := range b.Messages {
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

// insertMessage returns a copy of buckets with m placed in its day bucket.
func insertMessage(buckets []Bucket, m store.Message, loc *time.Location) []Bucket {
	date := m.CreatedAt.In(loc).Format(dateLayout)
	out := cloneBuckets(buckets)

	b := sort.Search(len(out), func(i int) bool { return out[i].Date >= date })
	if b == len(out) || out[b].Date != date {
		out = append(out, Bucket{})
		copy(out[b+1:], out[b:])
		out[b] = Bucket{Date: date, Messages: []store.Message{m}}
		return out
	}

	old := out[b].Messages
	k := sort.Search(len(old), func(i int) bool { return m.Before(old[i]) })
	msgs := make([]store.Message, 0, len(old)+1)
	msgs = append(msgs, old[:k]...)
	msgs = append(msgs, m)
	out[b].Messages = append(msgs, old[k:]...)
	return out
}
