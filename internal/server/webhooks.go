package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"studioline/internal/config"
	"studioline/internal/domain"
	"studioline/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatchSize    = 100
)

// delivery tracks one configured webhook and how far into the event log it
// has been delivered. Each hook keeps its own cursor so a slow or failing
// endpoint never stalls the others.
type delivery struct {
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client

	mu     sync.Mutex
	cursor int64
	seeded bool
}

type webhookDispatcher struct {
	engine     engine.Engine
	project    string
	deliveries []*delivery
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	projectID := strings.TrimSpace(e.Config.Project.ID)
	if projectID == "" {
		return
	}
	d := &webhookDispatcher{engine: e, project: projectID}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d.deliveries = append(d.deliveries, &delivery{
			hook:   hook,
			filter: newEventFilter(hook.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	if len(d.deliveries) == 0 {
		return
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		for _, del := range d.deliveries {
			d.drain(del)
		}
		<-ticker.C
	}
}

// drain delivers pending events to one hook, stopping at the first failure
// so the cursor stays behind the undelivered event.
func (d *webhookDispatcher) drain(del *delivery) {
	ctx := context.Background()
	cursor, ok := d.seedCursor(ctx, del)
	if !ok {
		return
	}
	events, err := d.engine.Repo.EventsAfter(ctx, webhookBatchSize, cursor, d.project)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if del.filter.match(evt.Type) {
			if err := d.post(ctx, del, evt); err != nil {
				log.Printf("webhook: deliver to %s failed: %v", del.hook.URL, err)
				return
			}
		}
		del.mu.Lock()
		del.cursor = evt.ID
		del.mu.Unlock()
	}
}

// seedCursor starts a new hook at the current end of the log; webhooks
// deliver what happens from now on, not history.
func (d *webhookDispatcher) seedCursor(ctx context.Context, del *delivery) (int64, bool) {
	del.mu.Lock()
	defer del.mu.Unlock()
	if del.seeded {
		return del.cursor, true
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, d.project)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		return 0, false
	}
	del.cursor = cur
	del.seeded = true
	return cur, true
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) post(ctx context.Context, del *delivery, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Studioline-Event", evt.Type)
	req.Header.Set("X-Studioline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Studioline-Project", d.project)
	if strings.TrimSpace(del.hook.Secret) != "" {
		req.Header.Set("X-Studioline-Secret", del.hook.Secret)
	}
	res, err := del.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// eventFilter matches event types against a hook's subscription list. An
// entry ending in ".*" subscribes to the whole family, e.g. "brain.*".
type eventFilter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{exact: make(map[string]struct{})}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if family, ok := strings.CutSuffix(key, ".*"); ok {
			f.prefixes = append(f.prefixes, family+".")
			continue
		}
		f.exact[key] = struct{}{}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
