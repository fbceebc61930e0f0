package periodic

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/fake"

	"github.com/raphaelgruber/flowhub/internal/llm"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/task"
)

type broadcaster struct {
	mu     sync.Mutex
	all    []models.Event
	admins []models.Event
}

func (b *broadcaster) Broadcast(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, ev)
}

func (b *broadcaster) PublishToAdmins(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.admins = append(b.admins, ev)
}

const rssDoc = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Example News</title>
<item><title>First</title><link>https://example.com/1</link><description>one</description></item>
<item><title>Second</title><link>https://example.com/2</link><description>two</description></item>
</channel></rss>`

func handle(id string) *task.Handle {
	return task.NewDetachedHandle(context.Background(), id, "")
}

func fixedModel(replies ...string) ModelFunc {
	return func(context.Context) (*llm.Model, error) {
		return llm.NewModelFrom(fake.NewFakeLLM(replies), "fake", nil), nil
	}
}

func TestRSSFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feed" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssDoc)
	}))
	defer srv.Close()

	pub := &broadcaster{}
	board := NewBoard(pub, 0)
	job := NewRSSFetch(board)

	res, err := job.Run(handle("rss"), map[string]any{"feeds": []any{srv.URL + "/feed", srv.URL + "/missing"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"feeds": 1, "new_posts": 2}, res)

	recent := board.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "Second", recent[0].Title)
	assert.Equal(t, "Example News", recent[0].Source)
	assert.Len(t, pub.all, 2)

	res, err = job.Run(handle("rss2"), map[string]any{"feeds": srv.URL + "/feed"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.(map[string]any)["new_posts"])

	_, err = job.Run(handle("rss3"), map[string]any{"feeds": []string{srv.URL + "/missing"}})
	assert.ErrorContains(t, err, "all feeds failed")
}

func TestAIBotPost(t *testing.T) {
	board := NewBoard(nil, 0)
	board.Add(Post{Source: "news", Title: "Go 2 released"})
	job := &AIBotPost{Model: fixedModel("  Hello, board!  "), Board: board}

	res, err := job.Run(handle("bot"), map[string]any{"persona": "a pirate"})
	require.NoError(t, err)

	recent := board.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "Hello, board!", recent[0].Body)
	assert.Equal(t, "a pirate", recent[0].Author)
	assert.Equal(t, recent[0].ID, res.(map[string]any)["post_id"])

	_, err = (&AIBotPost{Board: board}).Run(handle("bot2"), nil)
	assert.Error(t, err)
}

func TestModerationSweep(t *testing.T) {
	pub := &broadcaster{}
	board := NewBoard(pub, 0)
	spam, _ := board.Add(Post{Source: "rss", Title: "Cheap pills", Body: "buy now"})
	ok, _ := board.Add(Post{Source: "rss", Title: "Weather", Body: "sunny"})
	rude, _ := board.Add(Post{Source: "rss", Title: "Rant", Body: "you are all idiots"})

	job := &ModerationSweep{
		Model: fixedModel(`{"flagged": false, "reason": ""}`, `{"flagged": true, "reason": "harassment"}`),
		Board: board,
	}
	res, err := job.Run(handle("mod"), map[string]any{"blocklist": "pills"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"reviewed": 3, "flagged": 2}, res)
	assert.Empty(t, board.Unreviewed())

	byID := map[string]Post{}
	for _, p := range board.Recent(0) {
		byID[p.ID] = p
	}
	assert.True(t, byID[spam.ID].Flagged)
	assert.Equal(t, "blocked term: pills", byID[spam.ID].Reason)
	assert.False(t, byID[ok.ID].Flagged)
	assert.True(t, byID[rude.ID].Flagged)
	assert.Equal(t, "harassment", byID[rude.ID].Reason)

	require.Len(t, pub.admins, 2)
	assert.Equal(t, models.EventPostFlagged, pub.admins[0].Type)

	res, err = job.Run(handle("mod2"), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"reviewed": 0, "flagged": 0}, res)
}

func TestBoardDedupAndEviction(t *testing.T) {
	board := NewBoard(nil, 2)
	_, added := board.Add(Post{Link: "https://x/1"})
	assert.True(t, added)
	_, added = board.Add(Post{Link: "https://x/1"})
	assert.False(t, added)

	board.Add(Post{Source: "bot", Body: "a"})
	board.Add(Post{Source: "bot", Body: "b"})
	recent := board.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Body)

	_, added = board.Add(Post{Link: "https://x/1"})
	assert.True(t, added, "evicted keys may be added again")
}
