package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"studioline/internal/domain"
	"studioline/internal/events"
	"studioline/internal/repo"
)

// ErrAlreadyDecided is returned when apply or reject hits a change set that
// already left pending. Both transitions are terminal.
var ErrAlreadyDecided = errors.New("change set already decided")

// FlatOp is one proposed mutation as skills emit them: a verb, a
// slash-separated path whose root selects the entity family, and a payload.
type FlatOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

var pathRoots = map[string]string{
	"elements":   "item",
	"tasks":      "task",
	"materials":  "material_line",
	"accounting": "accounting_line",
}

// deletableEntities are the families remove is supported for. Tasks and
// accounting lines have no delete operation.
var deletableEntities = map[string]bool{
	"item":          true,
	"material_line": true,
}

// TranslateOps turns a flat op list into grouped change-set ops. Unknown
// roots, verbs, and unsupported removes are hard errors: a set that cannot
// be realized must never reach the approval queue.
func TranslateOps(flat []FlatOp) ([]domain.ChangeSetOp, error) {
	var out []domain.ChangeSetOp
	for i, f := range flat {
		root, id, ok := splitPath(f.Path)
		if !ok {
			return nil, fmt.Errorf("op %d: malformed path %q", i, f.Path)
		}
		entity, ok := pathRoots[root]
		if !ok {
			return nil, fmt.Errorf("op %d: unknown path root %q", i, root)
		}
		op := domain.ChangeSetOp{
			ID:          uuid.New().String(),
			EntityType:  entity,
			PayloadJSON: string(f.Value),
		}
		switch f.Op {
		case "add":
			if id != "" {
				return nil, fmt.Errorf("op %d: add must not carry an id", i)
			}
			op.OpType = "create"
			if tmp := tempIDFromPayload(f.Value); tmp != "" {
				op.TempID = &tmp
			}
		case "update", "replace":
			if id == "" {
				return nil, fmt.Errorf("op %d: %s requires an id", i, f.Op)
			}
			op.OpType = "patch"
			op.TargetID = &id
		case "remove":
			if id == "" {
				return nil, fmt.Errorf("op %d: remove requires an id", i)
			}
			if !deletableEntities[entity] {
				return nil, fmt.Errorf("op %d: remove is not supported for %s", i, entity)
			}
			op.OpType = "delete"
			op.TargetID = &id
		default:
			return nil, fmt.Errorf("op %d: unknown op %q", i, f.Op)
		}
		out = append(out, op)
	}
	return out, nil
}

func splitPath(path string) (root, id string, ok bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", "", false
	}
	parts := strings.SplitN(path, "/", 2)
	root = parts[0]
	if len(parts) == 2 {
		id = parts[1]
	}
	return root, id, true
}

func tempIDFromPayload(value json.RawMessage) string {
	var v struct {
		TempID string `json:"tempId"`
	}
	if err := json.Unmarshal(value, &v); err != nil {
		return ""
	}
	return v.TempID
}

// CreateChangeSet stages translated ops as a pending approval unit.
func (e Engine) CreateChangeSet(ctx context.Context, projectID, title, agentName, phase string, ops []domain.ChangeSetOp, actorID string) (domain.ChangeSet, error) {
	if len(ops) == 0 {
		return domain.ChangeSet{}, errors.New("change set needs at least one op")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	defer tx.Rollback()

	cs, err := e.createChangeSetTx(ctx, tx, projectID, title, agentName, phase, ops, actorID)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeSet{}, err
	}
	return cs, nil
}

func (e Engine) createChangeSetTx(ctx context.Context, tx *sql.Tx, projectID, title, agentName, phase string, ops []domain.ChangeSetOp, actorID string) (domain.ChangeSet, error) {
	cs := domain.ChangeSet{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Title:     title,
		AgentName: agentName,
		Phase:     phase,
		Status:    "pending",
		CreatedAt: e.nowRFC(),
		Ops:       ops,
	}
	for i := range cs.Ops {
		cs.Ops[i].ChangeSetID = cs.ID
	}
	if err := e.Repo.InsertChangeSet(ctx, tx, cs); err != nil {
		return domain.ChangeSet{}, fmt.Errorf("insert change set: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeChangeSetCreated, projectID, "change_set", cs.ID, actorID, events.EventPayload{
		"title": title, "ops": len(ops), "phase": phase,
	}); err != nil {
		return domain.ChangeSet{}, err
	}
	return cs, nil
}

// ApplyChangeSet realizes every op of a pending set as one transaction.
// Creates run first so their new ids can satisfy later ops' temp ids;
// items soft-delete, material lines are removed outright.
func (e Engine) ApplyChangeSet(ctx context.Context, changeSetID, actorID string) (domain.ChangeSet, map[string]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeSet{}, nil, err
	}
	defer tx.Rollback()

	cs, err := e.Repo.GetChangeSetTx(ctx, tx, changeSetID)
	if err != nil {
		return domain.ChangeSet{}, nil, err
	}
	if cs.Status != "pending" {
		return domain.ChangeSet{}, nil, ErrAlreadyDecided
	}

	idMap := map[string]string{}
	ordered := make([]domain.ChangeSetOp, 0, len(cs.Ops))
	for _, op := range cs.Ops {
		if op.OpType == "create" {
			ordered = append(ordered, op)
		}
	}
	for _, op := range cs.Ops {
		if op.OpType != "create" {
			ordered = append(ordered, op)
		}
	}
	for _, op := range ordered {
		if err := e.applyOp(ctx, tx, cs, op, idMap, actorID); err != nil {
			return domain.ChangeSet{}, nil, fmt.Errorf("op %s (%s %s): %w", op.ID, op.OpType, op.EntityType, err)
		}
	}

	now := e.nowRFC()
	if err := e.Repo.MarkChangeSetDecided(ctx, tx, cs.ID, "applied", now, actorID); err != nil {
		if err == repo.ErrNotFound {
			return domain.ChangeSet{}, nil, ErrAlreadyDecided
		}
		return domain.ChangeSet{}, nil, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeChangeSetApplied, cs.ProjectID, "change_set", cs.ID, actorID, events.EventPayload{
		"ops": len(cs.Ops), "created": len(idMap),
	}); err != nil {
		return domain.ChangeSet{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeSet{}, nil, err
	}
	cs.Status = "applied"
	cs.DecidedAt = &now
	cs.DecidedBy = &actorID
	return cs, idMap, nil
}

func (e Engine) applyOp(ctx context.Context, tx *sql.Tx, cs domain.ChangeSet, op domain.ChangeSetOp, idMap map[string]string, actorID string) error {
	switch op.OpType {
	case "create":
		return e.applyCreate(ctx, tx, cs, op, idMap)
	case "patch":
		return e.applyPatch(ctx, tx, op, idMap)
	case "delete":
		return e.applyDelete(ctx, tx, op, idMap, actorID)
	default:
		return fmt.Errorf("unknown op type %q", op.OpType)
	}
}

type entityPayload struct {
	Title    string          `json:"title"`
	TypeKey  string          `json:"typeKey"`
	Category string          `json:"category"`
	Status   string          `json:"status"`
	Raw      json.RawMessage `json:"-"`
}

func decodePayload(data string) (entityPayload, error) {
	var p entityPayload
	if data != "" {
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return p, fmt.Errorf("payload: %w", err)
		}
	}
	p.Raw = json.RawMessage(data)
	return p, nil
}

func (e Engine) applyCreate(ctx context.Context, tx *sql.Tx, cs domain.ChangeSet, op domain.ChangeSetOp, idMap map[string]string) error {
	p, err := decodePayload(op.PayloadJSON)
	if err != nil {
		return err
	}
	id := uuid.New().String()
	if op.TempID != nil {
		idMap[*op.TempID] = id
	}
	now := e.nowRFC()
	from := cs.ID
	switch op.EntityType {
	case "item":
		status := p.Status
		if status == "" {
			status = "approved"
		}
		return e.Repo.InsertItem(ctx, tx, domain.Item{
			ID: id, ProjectID: cs.ProjectID, Title: p.Title, TypeKey: p.TypeKey, Category: p.Category,
			Status: status, PayloadJSON: op.PayloadJSON, CreatedFrom: &from, CreatedAt: now, UpdatedAt: now,
		})
	case "task":
		status := p.Status
		if status == "" {
			status = "todo"
		}
		return e.Repo.InsertTask(ctx, tx, domain.ProjectTask{
			ID: id, ProjectID: cs.ProjectID, Title: p.Title, Status: status,
			PayloadJSON: op.PayloadJSON, CreatedAt: now, UpdatedAt: now,
		})
	case "material_line":
		return e.Repo.InsertMaterialLine(ctx, tx, domain.MaterialLine{
			ID: id, ProjectID: cs.ProjectID, Title: p.Title, PayloadJSON: op.PayloadJSON, CreatedAt: now, UpdatedAt: now,
		})
	case "accounting_line":
		return e.Repo.InsertAccountingLine(ctx, tx, domain.AccountingLine{
			ID: id, ProjectID: cs.ProjectID, Title: p.Title, PayloadJSON: op.PayloadJSON, CreatedAt: now, UpdatedAt: now,
		})
	default:
		return fmt.Errorf("unknown entity type %q", op.EntityType)
	}
}

// resolveTarget maps a temp id minted earlier in the same set to the real
// id, otherwise takes the target as is.
func resolveTarget(op domain.ChangeSetOp, idMap map[string]string) (string, error) {
	if op.TargetID == nil {
		return "", errors.New("missing target id")
	}
	id := *op.TargetID
	if mapped, ok := idMap[id]; ok {
		return mapped, nil
	}
	return id, nil
}

func (e Engine) applyPatch(ctx context.Context, tx *sql.Tx, op domain.ChangeSetOp, idMap map[string]string) error {
	id, err := resolveTarget(op, idMap)
	if err != nil {
		return err
	}
	p, err := decodePayload(op.PayloadJSON)
	if err != nil {
		return err
	}
	now := e.nowRFC()
	switch op.EntityType {
	case "item":
		it, err := e.Repo.GetItemTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Title != "" {
			it.Title = p.Title
		}
		if p.TypeKey != "" {
			it.TypeKey = p.TypeKey
		}
		if p.Category != "" {
			it.Category = p.Category
		}
		if p.Status != "" {
			it.Status = p.Status
		}
		it.PayloadJSON = mergePayload(it.PayloadJSON, op.PayloadJSON)
		it.UpdatedAt = now
		return e.Repo.UpdateItem(ctx, tx, it)
	case "task":
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Title != "" {
			t.Title = p.Title
		}
		if p.Status != "" {
			t.Status = p.Status
		}
		t.PayloadJSON = mergePayload(t.PayloadJSON, op.PayloadJSON)
		t.UpdatedAt = now
		return e.Repo.UpdateTask(ctx, tx, t)
	case "material_line":
		m, err := e.Repo.GetMaterialLineTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Title != "" {
			m.Title = p.Title
		}
		m.PayloadJSON = mergePayload(m.PayloadJSON, op.PayloadJSON)
		m.UpdatedAt = now
		return e.Repo.UpdateMaterialLine(ctx, tx, m)
	case "accounting_line":
		a, err := e.Repo.GetAccountingLineTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Title != "" {
			a.Title = p.Title
		}
		a.PayloadJSON = mergePayload(a.PayloadJSON, op.PayloadJSON)
		a.UpdatedAt = now
		return e.Repo.UpdateAccountingLine(ctx, tx, a)
	default:
		return fmt.Errorf("unknown entity type %q", op.EntityType)
	}
}

// mergePayload overlays patch keys onto the stored payload.
func mergePayload(stored, patch string) string {
	base := map[string]any{}
	if stored != "" {
		_ = json.Unmarshal([]byte(stored), &base)
	}
	overlay := map[string]any{}
	if patch != "" {
		_ = json.Unmarshal([]byte(patch), &overlay)
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return stored
	}
	return string(merged)
}

func (e Engine) applyDelete(ctx context.Context, tx *sql.Tx, op domain.ChangeSetOp, idMap map[string]string, actorID string) error {
	id, err := resolveTarget(op, idMap)
	if err != nil {
		return err
	}
	switch op.EntityType {
	case "item":
		it, err := e.Repo.GetItemTx(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.nowRFC()
		it.DeleteRequestedAt = &now
		it.DeleteRequestedBy = &actorID
		it.UpdatedAt = now
		return e.Repo.UpdateItem(ctx, tx, it)
	case "material_line":
		return e.Repo.DeleteMaterialLine(ctx, tx, id)
	default:
		return fmt.Errorf("delete is not supported for %s", op.EntityType)
	}
}

// RejectChangeSet closes a pending set with no mutation.
func (e Engine) RejectChangeSet(ctx context.Context, changeSetID, actorID string) (domain.ChangeSet, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	defer tx.Rollback()

	cs, err := e.Repo.GetChangeSetTx(ctx, tx, changeSetID)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	if cs.Status != "pending" {
		return domain.ChangeSet{}, ErrAlreadyDecided
	}
	now := e.nowRFC()
	if err := e.Repo.MarkChangeSetDecided(ctx, tx, cs.ID, "rejected", now, actorID); err != nil {
		if err == repo.ErrNotFound {
			return domain.ChangeSet{}, ErrAlreadyDecided
		}
		return domain.ChangeSet{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeChangeSetRejected, cs.ProjectID, "change_set", cs.ID, actorID, nil); err != nil {
		return domain.ChangeSet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeSet{}, err
	}
	cs.Status = "rejected"
	cs.DecidedAt = &now
	cs.DecidedBy = &actorID
	return cs, nil
}
