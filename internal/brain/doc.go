package brain

import (
	"encoding/json"
	"fmt"
)

// Section names the project-level bullet lists of a brain document.
type Section string

const (
	SectionOverview  Section = "overview"
	SectionCreative  Section = "creative"
	SectionLogistics Section = "logistics"
	SectionBudget    Section = "budget"
	SectionPeople    Section = "people"
)

var validSections = map[Section]bool{
	SectionOverview:  true,
	SectionCreative:  true,
	SectionLogistics: true,
	SectionBudget:    true,
	SectionPeople:    true,
}

// ValidSection reports whether s is a known project section.
func ValidSection(s Section) bool { return validSections[s] }

type BulletStatus string

const (
	StatusAccepted   BulletStatus = "accepted"
	StatusProposed   BulletStatus = "proposed"
	StatusTombstoned BulletStatus = "tombstoned"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Source records where a bullet came from.
type Source struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type,omitempty"`
}

type Bullet struct {
	ID         string       `json:"id"`
	Text       string       `json:"text"`
	Tags       []string     `json:"tags,omitempty"`
	Status     BulletStatus `json:"status"`
	Confidence Confidence   `json:"confidence"`
	Source     Source       `json:"source"`
	Locked     bool         `json:"locked,omitempty"`
	CreatedAt  string       `json:"created_at"`
	UpdatedAt  string       `json:"updated_at"`
}

// ElementNotes holds per-element memory: free notes plus conflicts scoped to
// that element.
type ElementNotes struct {
	Notes     []Bullet `json:"notes,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
}

type Conflict struct {
	ID        string      `json:"id"`
	BulletA   string      `json:"bullet_a"`
	BulletB   string      `json:"bullet_b"`
	Note      string      `json:"note,omitempty"`
	CreatedAt string      `json:"created_at"`
	Resolved  *Resolution `json:"resolved,omitempty"`
}

// Resolution tombstones a conflict; conflicts are never auto-resolved.
type Resolution struct {
	By string `json:"by"`
	At string `json:"at" format:"date-time"`
}

type RecentUpdate struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// Document is the tree-shaped project memory: named project sections, a map
// from element id to notes, an overflow list for imprecisely addressed
// writes, conflicts, and an append-only update log.
type Document struct {
	Sections      map[Section][]Bullet     `json:"sections"`
	Elements      map[string]*ElementNotes `json:"elements,omitempty"`
	Unmapped      []Bullet                 `json:"unmapped,omitempty"`
	Conflicts     []Conflict               `json:"conflicts,omitempty"`
	RecentUpdates []RecentUpdate           `json:"recent_updates,omitempty"`
}

// NewDocument returns an empty document with all sections present.
func NewDocument() Document {
	sections := make(map[Section][]Bullet, len(validSections))
	for s := range validSections {
		sections[s] = nil
	}
	return Document{
		Sections: sections,
		Elements: map[string]*ElementNotes{},
	}
}

// FromJSON parses a stored document; an empty payload yields a fresh one.
func FromJSON(data string) (Document, error) {
	if data == "" {
		return NewDocument(), nil
	}
	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return Document{}, fmt.Errorf("parse brain document: %w", err)
	}
	if doc.Sections == nil {
		doc.Sections = map[Section][]Bullet{}
	}
	if doc.Elements == nil {
		doc.Elements = map[string]*ElementNotes{}
	}
	return doc, nil
}

// ToJSON serializes the document for storage.
func (d Document) ToJSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Clone returns a deep copy so Apply can stay pure. Bullet tag slices and
// conflict resolutions are copied too; sharing them would let the tagging
// appends reach back into the source document.
func (d Document) Clone() Document {
	out := Document{
		Sections:      make(map[Section][]Bullet, len(d.Sections)),
		Elements:      make(map[string]*ElementNotes, len(d.Elements)),
		Unmapped:      cloneBullets(d.Unmapped),
		Conflicts:     cloneConflicts(d.Conflicts),
		RecentUpdates: append([]RecentUpdate(nil), d.RecentUpdates...),
	}
	for s, bullets := range d.Sections {
		out.Sections[s] = cloneBullets(bullets)
	}
	for id, el := range d.Elements {
		if el == nil {
			out.Elements[id] = nil
			continue
		}
		out.Elements[id] = &ElementNotes{
			Notes:     cloneBullets(el.Notes),
			Conflicts: append([]string(nil), el.Conflicts...),
		}
	}
	return out
}

func cloneBullets(bullets []Bullet) []Bullet {
	if bullets == nil {
		return nil
	}
	out := make([]Bullet, len(bullets))
	for i, b := range bullets {
		b.Tags = append([]string(nil), b.Tags...)
		out[i] = b
	}
	return out
}

func cloneConflicts(conflicts []Conflict) []Conflict {
	if conflicts == nil {
		return nil
	}
	out := make([]Conflict, len(conflicts))
	for i, c := range conflicts {
		if c.Resolved != nil {
			r := *c.Resolved
			c.Resolved = &r
		}
		out[i] = c
	}
	return out
}

// tagBulletByID appends a tag to the bullet with the given id wherever it
// lives: any project section, any element's notes, or unmapped.
func tagBulletByID(doc *Document, bulletID, tag string) bool {
	tagIn := func(bullets []Bullet) bool {
		for i := range bullets {
			if bullets[i].ID == bulletID {
				bullets[i].Tags = append(bullets[i].Tags, tag)
				return true
			}
		}
		return false
	}
	for s := range doc.Sections {
		if tagIn(doc.Sections[s]) {
			return true
		}
	}
	for _, el := range doc.Elements {
		if el != nil && tagIn(el.Notes) {
			return true
		}
	}
	return tagIn(doc.Unmapped)
}
