package snapshot

import (
	"context"
	"sync"

	"github.com/mosaicms/chronicle/internal/diff"
)

type actorContextKey struct{}

// WithActor attaches the acting author id to the context. Snapshots created
// while it is set carry the author; without it AuthorID stays empty.
func WithActor(ctx context.Context, authorID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, authorID)
}

func actorFrom(ctx context.Context) string {
	if authorID, ok := ctx.Value(actorContextKey{}).(string); ok {
		return authorID
	}
	return ""
}

// Session is the scope-bound handle for one logical operation: the open
// snapshot being assembled, the per-identity item dedup set, and the
// relation-diff cache. It exists from the first qualifying trigger of an
// action until that trigger returns, so nested writes fold into one
// snapshot instead of fragmenting into many.
type Session struct {
	snapshotID int64
	seen       map[int64]map[string]int64 // snapshot id -> identity hash -> item id
	cache      *diff.Cache
	authorID   string
}

func newSession(authorID string) *Session {
	return &Session{
		seen:     map[int64]map[string]int64{},
		cache:    NewOperationCache(),
		authorID: authorID,
	}
}

// seenItem reports whether an item for the identity hash was already added
// to the snapshot under construction.
func (s *Session) seenItem(snapshotID int64, hash string) (int64, bool) {
	itemID, ok := s.seen[snapshotID][hash]
	return itemID, ok
}

func (s *Session) markSeen(snapshotID int64, hash string, itemID int64) {
	items, ok := s.seen[snapshotID]
	if !ok {
		items = map[string]int64{}
		s.seen[snapshotID] = items
	}
	items[hash] = itemID
}

// Cache returns the relation-diff cache scoped to this operation.
func (s *Session) Cache() *diff.Cache {
	return s.cache
}

// NewOperationCache builds a fresh relation-diff cache. Invalidation is
// always expressed as constructing a new cache for the next operation.
func NewOperationCache() *diff.Cache {
	return diff.NewCache()
}

// sessionGuard is the active-snapshot guard. Acquisition returns a release
// closure that the single entry point defers, so the guard clears on every
// exit path. There is no timeout: the operation owns it until it returns.
//
// An action scope widens the session's lifetime: while a scope is open, the
// first trigger's session stays active until the scope exits, so a write
// followed by a publish in the same user action lands in one snapshot.
type sessionGuard struct {
	mu         sync.Mutex
	current    *Session
	scopeDepth int
	pending    func()
}

// enterScope opens an action scope. Scopes nest; only the outermost exit
// releases a session held open by the scope.
func (g *sessionGuard) enterScope() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scopeDepth++
}

func (g *sessionGuard) exitScope() {
	g.mu.Lock()
	g.scopeDepth--
	var release func()
	if g.scopeDepth == 0 && g.pending != nil {
		release = g.pending
		g.pending = nil
	}
	g.mu.Unlock()
	if release != nil {
		release()
	}
}

func (g *sessionGuard) inScope() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scopeDepth > 0
}

// holdRelease defers a session release to the end of the enclosing scope.
func (g *sessionGuard) holdRelease(release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = release
}

// acquire opens a session unless one is already active. The boolean reports
// whether this caller owns the new session.
func (g *sessionGuard) acquire(authorID string) (*Session, func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil {
		return g.current, func() {}, false
	}
	session := newSession(authorID)
	g.current = session
	release := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.current == session {
			g.current = nil
		}
	}
	return session, release, true
}

// active returns the open session, if any.
func (g *sessionGuard) active() *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}
