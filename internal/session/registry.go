package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/sation/messenger/internal/store"
)

// ErrAttached is returned by Attach when the connection is already known.
var ErrAttached = errors.New("session: connection already attached")

// Recipient is a live connection resolved for delivery.
type Recipient struct {
	ConnID string
	UserID int64
}

// MembershipLoader lists the tickets a user holds.
type MembershipLoader interface {
	FindMembershipsOf(ctx context.Context, userID int64) ([]store.Ticket, error)
}

// Mirror receives a copy of every registry change. *Store satisfies it.
type Mirror interface {
	Create(ctx context.Context, connID string, userID int64, chats []string) error
	AddChat(ctx context.Context, connID, chatID string) error
	RemoveChat(ctx context.Context, connID, chatID string) error
	RefreshTTL(ctx context.Context, connID string, userID int64) error
	Delete(ctx context.Context, connID string) error
}

type entry struct {
	userID int64
	chats  map[string]struct{}

	// While loading, membership changes that race the initial fetch are
	// recorded in pending (true = join, false = leave) and applied on top
	// of the fetched set once it arrives.
	loading bool
	pending map[string]bool
}

// Registry maps live connections to users and chat groups.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*entry
	users  map[int64]map[string]struct{} // user -> connIDs
	groups map[string]map[string]struct{} // chat -> connIDs

	loader MembershipLoader
	mirror Mirror
}

// NewRegistry creates an empty registry. mirror may be nil.
func NewRegistry(loader MembershipLoader, mirror Mirror) *Registry {
	return &Registry{
		conns:  make(map[string]*entry),
		users:  make(map[int64]map[string]struct{}),
		groups: make(map[string]map[string]struct{}),
		loader: loader,
		mirror: mirror,
	}
}

// Attach registers connID for userID and joins it to every chat the user
// holds a ticket for. JoinUser/LeaveUser calls that arrive while the tickets
// are being fetched are not lost.
func (r *Registry) Attach(ctx context.Context, connID string, userID int64) error {
	r.mu.Lock()
	if _, ok := r.conns[connID]; ok {
		r.mu.Unlock()
		return ErrAttached
	}
	r.conns[connID] = &entry{
		userID:  userID,
		chats:   make(map[string]struct{}),
		loading: true,
		pending: make(map[string]bool),
	}
	addTo(r.users, userID, connID)
	r.mu.Unlock()

	tickets, err := r.loader.FindMembershipsOf(ctx, userID)
	if err != nil {
		r.Detach(ctx, connID)
		return fmt.Errorf("session: load memberships of user %d: %w", userID, err)
	}

	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		// Detached while loading.
		r.mu.Unlock()
		return nil
	}
	chats := lo.SliceToMap(tickets, func(t store.Ticket) (string, bool) { return t.ChatID, true })
	for chatID, join := range e.pending {
		chats[chatID] = join
	}
	for chatID, join := range chats {
		if join {
			e.chats[chatID] = struct{}{}
			addTo(r.groups, chatID, connID)
		}
	}
	e.loading = false
	e.pending = nil
	joined := sortedKeys(e.chats)
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.Create(ctx, connID, userID, joined); err != nil {
			log.Printf("session: mirror create %s: %v", connID, err)
		}
	}
	log.Printf("session: attached conn=%s user=%d chats=%d", connID, userID, len(joined))
	return nil
}

// Detach removes connID from every group. Calling it for an unknown
// connection is a no-op.
func (r *Registry) Detach(ctx context.Context, connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for chatID := range e.chats {
		removeFrom(r.groups, chatID, connID)
	}
	removeFrom(r.users, e.userID, connID)
	delete(r.conns, connID)
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.Delete(ctx, connID); err != nil {
			log.Printf("session: mirror delete %s: %v", connID, err)
		}
	}
}

// Join adds connID to chatID's group.
func (r *Registry) Join(connID, chatID string) {
	r.mu.Lock()
	changed := r.joinLocked(connID, chatID)
	r.mu.Unlock()

	if changed {
		r.mirrorAdd([]string{connID}, chatID)
	}
}

// Leave removes connID from chatID's group.
func (r *Registry) Leave(connID, chatID string) {
	r.mu.Lock()
	changed := r.leaveLocked(connID, chatID)
	r.mu.Unlock()

	if changed {
		r.mirrorRemove([]string{connID}, chatID)
	}
}

// JoinUser joins every live connection of userID to chatID.
func (r *Registry) JoinUser(userID int64, chatID string) {
	r.mu.Lock()
	var changed []string
	for connID := range r.users[userID] {
		if r.joinLocked(connID, chatID) {
			changed = append(changed, connID)
		}
	}
	r.mu.Unlock()

	r.mirrorAdd(changed, chatID)
}

// LeaveUser removes every live connection of userID from chatID.
func (r *Registry) LeaveUser(userID int64, chatID string) {
	r.mu.Lock()
	var changed []string
	for connID := range r.users[userID] {
		if r.leaveLocked(connID, chatID) {
			changed = append(changed, connID)
		}
	}
	r.mu.Unlock()

	r.mirrorRemove(changed, chatID)
}

// LeaveAll empties chatID's group. Used when the chat is deleted.
func (r *Registry) LeaveAll(chatID string) {
	r.mu.Lock()
	changed := lo.Keys(r.groups[chatID])
	for _, connID := range changed {
		delete(r.conns[connID].chats, chatID)
	}
	delete(r.groups, chatID)
	for _, e := range r.conns {
		if e.loading {
			e.pending[chatID] = false
		}
	}
	r.mu.Unlock()

	r.mirrorRemove(changed, chatID)
}

// RecipientsFor returns every connection currently in chatID's group.
func (r *Registry) RecipientsFor(chatID string) []Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group := r.groups[chatID]
	out := make([]Recipient, 0, len(group))
	for connID := range group {
		out = append(out, Recipient{ConnID: connID, UserID: r.conns[connID].userID})
	}
	return out
}

// ConnectionsOf returns the live connections of userID.
func (r *Registry) ConnectionsOf(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.users[userID])
}

// UserOf returns the user a connection belongs to.
func (r *Registry) UserOf(connID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return 0, false
	}
	return e.userID, true
}

// ChatsOf returns the sorted chat groups connID has joined.
func (r *Registry) ChatsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return sortedKeys(e.chats)
}

// Count returns the number of attached connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Touch refreshes the mirrored session's TTL. Detached connections are
// ignored.
func (r *Registry) Touch(ctx context.Context, connID string) {
	if r.mirror == nil {
		return
	}
	userID, ok := r.UserOf(connID)
	if !ok {
		return
	}
	if err := r.mirror.RefreshTTL(ctx, connID, userID); err != nil {
		log.Printf("session: mirror refresh %s: %v", connID, err)
	}
}

func (r *Registry) joinLocked(connID, chatID string) bool {
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if e.loading {
		e.pending[chatID] = true
		return false
	}
	if _, ok := e.chats[chatID]; ok {
		return false
	}
	e.chats[chatID] = struct{}{}
	addTo(r.groups, chatID, connID)
	return true
}

func (r *Registry) leaveLocked(connID, chatID string) bool {
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if e.loading {
		e.pending[chatID] = false
		return false
	}
	if _, ok := e.chats[chatID]; !ok {
		return false
	}
	delete(e.chats, chatID)
	removeFrom(r.groups, chatID, connID)
	return true
}

func (r *Registry) mirrorAdd(connIDs []string, chatID string) {
	if r.mirror == nil || len(connIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, connID := range connIDs {
		if err := r.mirror.AddChat(ctx, connID, chatID); err != nil {
			log.Printf("session: mirror add chat=%s conn=%s: %v", chatID, connID, err)
		}
	}
}

func (r *Registry) mirrorRemove(connIDs []string, chatID string) {
	if r.mirror == nil || len(connIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, connID := range connIDs {
		if err := r.mirror.RemoveChat(ctx, connID, chatID); err != nil {
			log.Printf("session: mirror remove chat=%s conn=%s: %v", chatID, connID, err)
		}
	}
}

func addTo[K comparable](m map[K]map[string]struct{}, key K, connID string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[connID] = struct{}{}
}

func removeFrom[K comparable](m map[K]map[string]struct{}, key K, connID string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(m, key)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
