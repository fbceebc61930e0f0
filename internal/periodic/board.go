package periodic

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/flowhub/internal/models"
)

// Post is an item on the shared board: a feed entry or a bot post.
type Post struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Author    string    `json:"author,omitempty"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Reviewed  bool      `json:"reviewed"`
	Flagged   bool      `json:"flagged"`
	Reason    string    `json:"reason,omitempty"`

	key string
}

// Broadcaster delivers board events. *hub.Hub implements it.
type Broadcaster interface {
	Broadcast(ev models.Event)
	PublishToAdmins(ev models.Event)
}

// Board keeps the most recent posts in memory, newest last.
type Board struct {
	mu    sync.Mutex
	posts []*Post
	keys  map[string]bool
	max   int
	pub   Broadcaster
}

// NewBoard creates a board holding up to limit posts (default 500).
func NewBoard(pub Broadcaster, limit int) *Board {
	if limit <= 0 {
		limit = 500
	}
	return &Board{keys: make(map[string]bool), max: limit, pub: pub}
}

// Add stores p unless a post with the same key was seen. The key is the
// link, falling back to source and title. New posts are broadcast.
func (b *Board) Add(p Post) (Post, bool) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	switch {
	case p.Link != "":
		p.key = p.Link
	case p.Title != "":
		p.key = p.Source + "\x00" + p.Title
	default:
		p.key = "id:" + p.ID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if b.keys[p.key] {
		b.mu.Unlock()
		return Post{}, false
	}
	b.keys[p.key] = true
	stored := p
	b.posts = append(b.posts, &stored)
	if len(b.posts) > b.max {
		evicted := b.posts[0]
		delete(b.keys, evicted.key)
		b.posts = b.posts[1:]
	}
	b.mu.Unlock()

	if b.pub != nil {
		b.pub.Broadcast(models.Event{Type: models.EventNewPost, Data: p})
	}
	return p, true
}

// Recent returns up to n posts, newest first.
func (b *Board) Recent(n int) []Post {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.posts) {
		n = len(b.posts)
	}
	out := make([]Post, 0, n)
	for i := len(b.posts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *b.posts[i])
	}
	return out
}

// Unreviewed returns the posts moderation has not looked at, oldest first.
func (b *Board) Unreviewed() []Post {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Post
	for _, p := range b.posts {
		if !p.Reviewed {
			out = append(out, *p)
		}
	}
	return out
}

// Review records a moderation verdict. Flagged posts are reported to
// admins. Unknown ids are ignored.
func (b *Board) Review(id string, flagged bool, reason string) {
	b.mu.Lock()
	var reviewed *Post
	for _, p := range b.posts {
		if p.ID == id {
			p.Reviewed, p.Flagged, p.Reason = true, flagged, reason
			cp := *p
			reviewed = &cp
			break
		}
	}
	b.mu.Unlock()

	if reviewed != nil && flagged && b.pub != nil {
		b.pub.PublishToAdmins(models.Event{Type: models.EventPostFlagged, Data: *reviewed})
	}
}
