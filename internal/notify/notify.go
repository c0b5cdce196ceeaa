package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/game-indexer/internal/config"
	"github.com/devblac/game-indexer/internal/event"
	"github.com/devblac/game-indexer/internal/projection"
)

// Kind names a notification.
type Kind string

const (
	KindGameStarted          Kind = "game_started"
	KindPlayerJoined         Kind = "player_joined"
	KindGameEnded            Kind = "game_ended"
	KindOwnershipTransferred Kind = "ownership_transferred"
	KindGameCorrupt          Kind = "game_corrupt"
)

// Payload is the data passed to sink templates.
type Payload struct {
	Kind       Kind
	Source     string
	GameID     string
	Player     string
	Winner     string
	Owner      string
	EntryFee   string
	MaxPlayers int32
	Block      uint64
	BlockHash  string
	TxHash     string
	LogIndex   uint
	Finalized  uint64
	Fault      string
}

// FromEvent builds the payload for a newly applied event.
func FromEvent(sourceID string, ev event.Event, finalized uint64) Payload {
	h := ev.EventHeader()
	p := Payload{
		Source:    sourceID,
		Block:     h.BlockNumber,
		BlockHash: h.BlockHash.Hex(),
		TxHash:    h.TxHash.Hex(),
		LogIndex:  h.LogIndex,
		Finalized: finalized,
	}
	switch e := ev.(type) {
	case event.GameStarted:
		p.Kind, p.GameID = KindGameStarted, event.GameKey(e.GameID)
		p.EntryFee, p.MaxPlayers = e.EntryFee.String(), e.MaxPlayers
	case event.PlayerJoined:
		p.Kind, p.GameID, p.Player = KindPlayerJoined, event.GameKey(e.GameID), e.Player.Hex()
	case event.GameEnded:
		p.Kind, p.GameID, p.Winner = KindGameEnded, event.GameKey(e.GameID), e.Winner.Hex()
	case event.OwnershipTransferred:
		p.Kind, p.Owner = KindOwnershipTransferred, e.NewOwner.Hex()
	}
	return p
}

// FromAggregateError builds the payload for a game that just became corrupt.
func FromAggregateError(sourceID string, ev event.Event, aggErr *projection.AggregateError, finalized uint64) Payload {
	p := FromEvent(sourceID, ev, finalized)
	p.Kind = KindGameCorrupt
	p.GameID = aggErr.GameID
	p.Fault = aggErr.Err.Error()
	return p
}

type Sender interface {
	Send(ctx context.Context, payload Payload) error
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sink.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

func (s *httpSender) Send(ctx context.Context, payload Payload) error {
	bodyStr, err := executeTemplate(s.render, payload)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]string{
		"text": bodyStr,
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink http status %d", resp.StatusCode)
	}
	return nil
}

// filtered forwards only the subscribed kinds.
type filtered struct {
	next  Sender
	kinds map[Kind]struct{}
}

func (f filtered) Send(ctx context.Context, payload Payload) error {
	if _, ok := f.kinds[payload.Kind]; !ok {
		return nil
	}
	return f.next.Send(ctx, payload)
}

// Build creates a sender for a configured sink.
func Build(s config.Sink) (Sender, error) {
	var (
		sender Sender
		err    error
	)
	switch strings.ToLower(s.Type) {
	case "slack":
		sender, err = NewSlackSender(s.WebhookURL, s.Template)
	case "teams":
		sender, err = NewTeamsSender(s.WebhookURL, s.Template)
	case "webhook":
		sender, err = NewWebhookSender(s.URL, s.Method, s.Template, nil)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", s.ID, err)
	}
	if rl := s.RateLimit; rl != nil {
		sender = &limited{next: sender, now: time.Now, bucket: NewTokenBucket(rl.Capacity, rl.PerSecond)}
	}
	if len(s.Where) > 0 {
		preds, err := CompilePredicates(s.Where)
		if err != nil {
			return nil, fmt.Errorf("sink %s where: %w", s.ID, err)
		}
		sender = where{next: sender, preds: preds}
	}
	if len(s.Events) > 0 {
		kinds := make(map[Kind]struct{}, len(s.Events))
		for _, k := range s.Events {
			kinds[Kind(k)] = struct{}{}
		}
		sender = filtered{next: sender, kinds: kinds}
	}
	return sender, nil
}

// BuildAll creates senders for every configured sink keyed by id.
func BuildAll(sinks []config.Sink) (map[string]Sender, error) {
	out := make(map[string]Sender, len(sinks))
	for _, s := range sinks {
		sender, err := Build(s)
		if err != nil {
			return nil, err
		}
		out[s.ID] = sender
	}
	return out, nil
}

const defaultTemplate = `{{.Kind}}{{if .GameID}} game={{.GameID}}{{end}}{{if .Player}} player={{short_addr .Player}}{{end}}{{if .Winner}} winner={{short_addr .Winner}}{{end}}{{if .Owner}} owner={{short_addr .Owner}}{{end}}{{if .Fault}} fault="{{.Fault}}"{{end}} block={{.Block}} tx={{short_addr .TxHash}}`

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
