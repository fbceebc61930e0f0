package periodic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/raphaelgruber/flowhub/internal/llm"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/task"
)

// ModelFunc returns the default language model.
type ModelFunc func(ctx context.Context) (*llm.Model, error)

// RSSFetch pulls the configured feeds onto the board.
type RSSFetch struct {
	Parser *gofeed.Parser
	Board  *Board
}

// NewRSSFetch creates the job with a default parser.
func NewRSSFetch(board *Board) *RSSFetch {
	return &RSSFetch{Parser: gofeed.NewParser(), Board: board}
}

func (j *RSSFetch) Name() string { return JobRSSFetch }

// Run fetches every feed in params["feeds"]. It fails only when no feed
// could be read, so a partial outage still counts as a run.
func (j *RSSFetch) Run(h *task.Handle, params map[string]any) (any, error) {
	feeds := stringList(params["feeds"])
	if len(feeds) == 0 {
		h.Log(models.LevelWarning, "no feeds configured")
		return map[string]any{"feeds": 0, "new_posts": 0}, nil
	}

	var failed []string
	added := 0
	for i, url := range feeds {
		if h.Cancelled() {
			return nil, context.Canceled
		}
		h.SetFileInfo(url, len(feeds))
		feed, err := j.Parser.ParseURLWithContext(url, h.Context())
		if err != nil {
			h.Log(models.LevelWarning, fmt.Sprintf("fetch %s: %v", url, err))
			failed = append(failed, url)
			continue
		}
		n := 0
		for _, item := range feed.Items {
			author := ""
			if len(item.Authors) > 0 && item.Authors[0] != nil {
				author = item.Authors[0].Name
			}
			body := item.Description
			if body == "" {
				body = item.Content
			}
			p := Post{Source: feed.Title, Author: author, Title: item.Title, Body: body, Link: item.Link}
			if item.PublishedParsed != nil {
				p.CreatedAt = item.PublishedParsed.UTC()
			}
			if _, ok := j.Board.Add(p); ok {
				n++
			}
		}
		added += n
		h.Logf("%s: %d new of %d items", url, n, len(feed.Items))
		h.SetProgress((i + 1) * 100 / len(feeds))
	}
	if len(failed) == len(feeds) {
		return nil, fmt.Errorf("all feeds failed: %s", strings.Join(failed, ", "))
	}
	return map[string]any{"feeds": len(feeds) - len(failed), "new_posts": added}, nil
}

// AIBotPost writes a post in the voice of params["persona"].
type AIBotPost struct {
	Model ModelFunc
	Board *Board
}

func (j *AIBotPost) Name() string { return JobAIBotPost }

func (j *AIBotPost) Run(h *task.Handle, params map[string]any) (any, error) {
	if j.Model == nil {
		return nil, errors.New("no language model configured")
	}
	model, err := j.Model(h.Context())
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	persona, _ := params["persona"].(string)
	if persona == "" {
		persona = "a friendly bot"
	}

	var recent []string
	for _, p := range j.Board.Recent(5) {
		if p.Title != "" {
			recent = append(recent, "- "+p.Title)
		}
	}
	prompt := "Write a short post for the community board."
	if len(recent) > 0 {
		prompt += " Recent posts:\n" + strings.Join(recent, "\n")
	}

	text, err := model.GenerateWithSystem(h.Context(), "You are "+persona+". Reply with the post text only.", prompt)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("model returned an empty post")
	}
	p, _ := j.Board.Add(Post{Source: "bot", Author: persona, Body: text})
	return map[string]any{"post_id": p.ID}, nil
}

// ModerationSweep reviews unreviewed board posts. Posts matching
// params["blocklist"] are flagged outright; the rest go to the model when
// one is configured.
type ModerationSweep struct {
	Model ModelFunc
	Board *Board
}

func (j *ModerationSweep) Name() string { return JobModerationSweep }

type verdict struct {
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason"`
}

const moderationPrompt = `You moderate a community board. Decide whether the post violates
basic rules (spam, harassment, illegal content). Respond with JSON:
{"flagged": true|false, "reason": "<short reason>"}`

func (j *ModerationSweep) Run(h *task.Handle, params map[string]any) (any, error) {
	pending := j.Board.Unreviewed()
	if len(pending) == 0 {
		return map[string]any{"reviewed": 0, "flagged": 0}, nil
	}
	blocklist := stringList(params["blocklist"])

	var model *llm.Model
	if j.Model != nil {
		m, err := j.Model(h.Context())
		if err != nil {
			h.Log(models.LevelWarning, fmt.Sprintf("model unavailable, blocklist only: %v", err))
		} else {
			model = m
		}
	}

	reviewed, flagged := 0, 0
	for i, p := range pending {
		if h.Cancelled() {
			return nil, context.Canceled
		}
		v, decided := matchBlocklist(p, blocklist)
		if !decided && model != nil {
			if err := model.GenerateJSON(h.Context(), moderationPrompt, p.Title+"\n\n"+p.Body, &v); err != nil {
				if errors.Is(err, llm.ErrFatalAPI) {
					return nil, err
				}
				h.Log(models.LevelWarning, fmt.Sprintf("classify %s: %v", p.ID, err))
				continue
			}
			decided = true
		}
		if !decided {
			v = verdict{}
		}
		j.Board.Review(p.ID, v.Flagged, v.Reason)
		reviewed++
		if v.Flagged {
			flagged++
		}
		h.SetProgress((i + 1) * 100 / len(pending))
	}
	h.Logf("reviewed %d posts, flagged %d", reviewed, flagged)
	return map[string]any{"reviewed": reviewed, "flagged": flagged}, nil
}

func matchBlocklist(p Post, blocklist []string) (verdict, bool) {
	text := strings.ToLower(p.Title + " " + p.Body)
	for _, word := range blocklist {
		if word != "" && strings.Contains(text, strings.ToLower(word)) {
			return verdict{Flagged: true, Reason: "blocked term: " + word}, true
		}
	}
	return verdict{}, false
}

func stringList(v any) []string {
	var out []string
	switch v := v.(type) {
	case []string:
		out = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
