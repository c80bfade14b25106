package brain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Patch op kinds.
const (
	OpAddBullet       = "add_bullet"
	OpAddConflict     = "add_conflict"
	OpAddRecentUpdate = "add_recent_update"
)

// Fallback tags attached when an op's addressing is imprecise. Writes are
// never dropped; they land in a taggable location instead.
const (
	TagMissingElement = "missing_element"
	TagMissingSection = "missing_section"
	TagConflictPrefix = "conflict:"
)

// Target addresses a bullet list: project scope selects a named section,
// element scope selects an element's notes.
type Target struct {
	Scope     string  `json:"scope" enum:"project,element"`
	Section   Section `json:"section,omitempty"`
	ElementID string  `json:"element_id,omitempty"`
}

// BulletInput is the caller-supplied part of a new bullet.
type BulletInput struct {
	Text       string       `json:"text"`
	Tags       []string     `json:"tags,omitempty"`
	Status     BulletStatus `json:"status,omitempty"`
	Confidence Confidence   `json:"confidence,omitempty"`
}

// ConflictInput names two bullets that contradict each other.
type ConflictInput struct {
	ID      string `json:"id,omitempty"`
	BulletA string `json:"bullet_a"`
	BulletB string `json:"bullet_b"`
	Note    string `json:"note,omitempty"`
}

// PatchOp is the tagged union of the three patch variants.
type PatchOp struct {
	Op       string         `json:"op" enum:"add_bullet,add_conflict,add_recent_update"`
	Target   *Target        `json:"target,omitempty"`
	Bullet   *BulletInput   `json:"bullet,omitempty"`
	Conflict *ConflictInput `json:"conflict,omitempty"`
	Text     string         `json:"text,omitempty"`
}

func ValidateOp(op PatchOp) error {
	switch op.Op {
	case OpAddBullet:
		if op.Bullet == nil || op.Bullet.Text == "" {
			return fmt.Errorf("add_bullet requires bullet text")
		}
	case OpAddConflict:
		if op.Conflict == nil || op.Conflict.BulletA == "" || op.Conflict.BulletB == "" {
			return fmt.Errorf("add_conflict requires two bullet ids")
		}
	case OpAddRecentUpdate:
		if op.Text == "" {
			return fmt.Errorf("add_recent_update requires text")
		}
	default:
		return fmt.Errorf("unknown patch op %q (valid: %s, %s, %s)", op.Op, OpAddBullet, OpAddConflict, OpAddRecentUpdate)
	}
	return nil
}

// OpsFromJSON parses a stored patch-op list.
func OpsFromJSON(data string) ([]PatchOp, error) {
	if data == "" {
		return nil, nil
	}
	var ops []PatchOp
	if err := json.Unmarshal([]byte(data), &ops); err != nil {
		return nil, fmt.Errorf("parse patch ops: %w", err)
	}
	return ops, nil
}

// Applier evaluates patch ops against a document. NewID and Now are
// injectable for deterministic tests.
type Applier struct {
	NewID func(prefix string) string
	Now   func() time.Time
}

func (a Applier) newID(prefix string) string {
	if a.NewID != nil {
		return a.NewID(prefix)
	}
	return prefix + "_" + uuid.New().String()
}

func (a Applier) now() string {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// Apply is a pure function (document, ops) -> document. Ops with a valid
// shape never fail here; imprecise addressing degrades to the documented
// fallback location with the documented fallback tag.
func (a Applier) Apply(doc Document, ops []PatchOp, src Source) (Document, error) {
	next := doc.Clone()
	for _, op := range ops {
		if err := ValidateOp(op); err != nil {
			return doc, err
		}
		switch op.Op {
		case OpAddBullet:
			a.addBullet(&next, op, src)
		case OpAddConflict:
			a.addConflict(&next, *op.Conflict)
		case OpAddRecentUpdate:
			next.RecentUpdates = append(next.RecentUpdates, RecentUpdate{
				ID:        a.newID("update"),
				Text:      op.Text,
				CreatedAt: a.now(),
			})
		}
	}
	return next, nil
}

func (a Applier) addBullet(doc *Document, op PatchOp, src Source) {
	now := a.now()
	b := Bullet{
		ID:         a.newID("bullet"),
		Text:       op.Bullet.Text,
		Tags:       append([]string(nil), op.Bullet.Tags...),
		Status:     op.Bullet.Status,
		Confidence: op.Bullet.Confidence,
		Source:     src,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if b.Status == "" {
		b.Status = StatusAccepted
	}
	if b.Confidence == "" {
		b.Confidence = ConfidenceMedium
	}

	target := op.Target
	if target == nil {
		target = &Target{Scope: "project"}
	}
	switch target.Scope {
	case "element":
		if target.ElementID == "" {
			b.Tags = append(b.Tags, TagMissingElement)
			doc.Unmapped = append(doc.Unmapped, b)
			return
		}
		el := doc.Elements[target.ElementID]
		if el == nil {
			el = &ElementNotes{}
			doc.Elements[target.ElementID] = el
		}
		el.Notes = append(el.Notes, b)
	default:
		section := target.Section
		if !ValidSection(section) {
			b.Tags = append(b.Tags, TagMissingSection)
			section = SectionOverview
		}
		doc.Sections[section] = append(doc.Sections[section], b)
	}
}

func (a Applier) addConflict(doc *Document, in ConflictInput) {
	id := in.ID
	if id == "" {
		id = a.newID("conflict")
	}
	doc.Conflicts = append(doc.Conflicts, Conflict{
		ID:        id,
		BulletA:   in.BulletA,
		BulletB:   in.BulletB,
		Note:      in.Note,
		CreatedAt: a.now(),
	})
	tag := TagConflictPrefix + id
	tagBulletByID(doc, in.BulletA, tag)
	tagBulletByID(doc, in.BulletB, tag)
}

// ResolveConflict tombstones a conflict record with resolver identity and
// timestamp. Resolving twice is an error.
func (a Applier) ResolveConflict(doc Document, conflictID, resolvedBy string) (Document, error) {
	next := doc.Clone()
	for i := range next.Conflicts {
		if next.Conflicts[i].ID != conflictID {
			continue
		}
		if next.Conflicts[i].Resolved != nil {
			return doc, fmt.Errorf("conflict %s already resolved", conflictID)
		}
		next.Conflicts[i].Resolved = &Resolution{By: resolvedBy, At: a.now()}
		return next, nil
	}
	return doc, fmt.Errorf("conflict %s not found", conflictID)
}
