package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"studioline/internal/brain"
	"studioline/internal/config"
	"studioline/internal/events"
	"studioline/internal/repo"
	"studioline/internal/skill"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Skills skill.Registry
	Client skill.Client
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, client skill.Client) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Skills: skill.Registry{Providers: []skill.Provider{
			skill.StoreProvider{Store: r, NotFound: func(err error) bool { return err == repo.ErrNotFound }},
			skill.CatalogProvider{},
		}},
		Client: client,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

// memorySummary renders a compact textual view of the project brain for
// skill prompts: overview bullets plus the tail of the recent-updates log.
func (e Engine) memorySummary(ctx context.Context, projectID string) (string, error) {
	b, err := e.Repo.GetBrain(ctx, projectID)
	if err == repo.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	doc, err := brain.FromJSON(b.DocJSON)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, section := range []brain.Section{brain.SectionOverview, brain.SectionCreative, brain.SectionLogistics, brain.SectionBudget, brain.SectionPeople} {
		bullets := doc.Sections[section]
		if len(bullets) == 0 {
			continue
		}
		sb.WriteString("## " + string(section) + "\n")
		for _, bl := range bullets {
			if bl.Status == brain.StatusTombstoned {
				continue
			}
			sb.WriteString("- " + bl.Text + "\n")
		}
	}
	updates := doc.RecentUpdates
	if len(updates) > 5 {
		updates = updates[len(updates)-5:]
	}
	if len(updates) > 0 {
		sb.WriteString("## recent\n")
		for _, u := range updates {
			sb.WriteString("- " + u.Text + "\n")
		}
	}
	return sb.String(), nil
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
