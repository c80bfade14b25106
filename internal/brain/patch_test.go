package brain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApplier() Applier {
	n := 0
	return Applier{
		NewID: func(prefix string) string {
			n++
			return fmt.Sprintf("%s_%d", prefix, n)
		},
		Now: func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func TestApplyIsPure(t *testing.T) {
	a := testApplier()
	doc := NewDocument()
	ops := []PatchOp{{Op: OpAddBullet, Target: &Target{Scope: "project", Section: SectionOverview}, Bullet: &BulletInput{Text: "one"}}}
	next, err := a.Apply(doc, ops, Source{EventID: "ev-1"})
	require.NoError(t, err)
	assert.Empty(t, doc.Sections[SectionOverview], "input document mutated")
	assert.Len(t, next.Sections[SectionOverview], 1)
}

func TestAddBulletDefaults(t *testing.T) {
	a := testApplier()
	next, err := a.Apply(NewDocument(), []PatchOp{
		{Op: OpAddBullet, Target: &Target{Scope: "project", Section: SectionBudget}, Bullet: &BulletInput{Text: "rig rental 4k"}},
	}, Source{EventID: "ev-1", Type: "fact_extraction"})
	require.NoError(t, err)
	b := next.Sections[SectionBudget][0]
	assert.Equal(t, StatusAccepted, b.Status)
	assert.Equal(t, ConfidenceMedium, b.Confidence)
	assert.Equal(t, "ev-1", b.Source.EventID)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "2025-03-01T12:00:00Z", b.CreatedAt)
}

func TestAddBulletElementScope(t *testing.T) {
	a := testApplier()
	next, err := a.Apply(NewDocument(), []PatchOp{
		{Op: OpAddBullet, Target: &Target{Scope: "element", ElementID: "el-9"}, Bullet: &BulletInput{Text: "needs rigging"}},
	}, Source{})
	require.NoError(t, err)
	require.NotNil(t, next.Elements["el-9"])
	assert.Len(t, next.Elements["el-9"].Notes, 1)
}

func TestAddBulletMissingElementRedirectsToUnmapped(t *testing.T) {
	a := testApplier()
	next, err := a.Apply(NewDocument(), []PatchOp{
		{Op: OpAddBullet, Target: &Target{Scope: "element"}, Bullet: &BulletInput{Text: "orphan"}},
	}, Source{})
	require.NoError(t, err)
	require.Len(t, next.Unmapped, 1)
	assert.Contains(t, next.Unmapped[0].Tags, TagMissingElement)
	assert.Empty(t, next.Elements)
}

func TestAddBulletInvalidSectionRedirectsToOverview(t *testing.T) {
	a := testApplier()
	next, err := a.Apply(NewDocument(), []PatchOp{
		{Op: OpAddBullet, Target: &Target{Scope: "project", Section: "finances"}, Bullet: &BulletInput{Text: "misfiled"}},
	}, Source{})
	require.NoError(t, err)
	require.Len(t, next.Sections[SectionOverview], 1)
	assert.Contains(t, next.Sections[SectionOverview][0].Tags, TagMissingSection)
}

func TestAddConflictBackTagsBothBullets(t *testing.T) {
	a := testApplier()
	doc, err := a.Apply(NewDocument(), []PatchOp{
		{Op: OpAddBullet, Target: &Target{Scope: "project", Section: SectionCreative}, Bullet: &BulletInput{Text: "warm"}},
		{Op: OpAddBullet, Target: &Target{Scope: "element", ElementID: "el-1"}, Bullet: &BulletInput{Text: "cold"}},
	}, Source{})
	require.NoError(t, err)
	idA := doc.Sections[SectionCreative][0].ID
	idB := doc.Elements["el-1"].Notes[0].ID

	next, err := a.Apply(doc, []PatchOp{
		{Op: OpAddConflict, Conflict: &ConflictInput{BulletA: idA, BulletB: idB, Note: "temperature"}},
	}, Source{})
	require.NoError(t, err)
	require.Len(t, next.Conflicts, 1)
	tag := TagConflictPrefix + next.Conflicts[0].ID
	assert.Contains(t, next.Sections[SectionCreative][0].Tags, tag)
	assert.Contains(t, next.Elements["el-1"].Notes[0].Tags, tag)
}

func TestApplyDoesNotAliasTagBackingArrays(t *testing.T) {
	a := testApplier()
	// Spare capacity makes the back-tagging append write in place if the
	// clone shares the backing array instead of copying it.
	tags := make([]string, 1, 4)
	tags[0] = "seed"
	doc := NewDocument()
	doc.Sections[SectionCreative] = []Bullet{
		{ID: "b1", Text: "warm", Tags: tags},
		{ID: "b2", Text: "cold"},
	}

	next, err := a.Apply(doc, []PatchOp{
		{Op: OpAddConflict, Conflict: &ConflictInput{BulletA: "b1", BulletB: "b2", Note: "temperature"}},
	}, Source{})
	require.NoError(t, err)
	require.Len(t, next.Conflicts, 1)
	assert.Len(t, next.Sections[SectionCreative][0].Tags, 2)

	assert.Equal(t, []string{"seed"}, doc.Sections[SectionCreative][0].Tags, "input document mutated")
	assert.Equal(t, "", tags[1:2][0], "input tag backing array written through")
}

func TestRecentUpdatesAppendOnly(t *testing.T) {
	a := testApplier()
	doc := NewDocument()
	var err error
	for _, text := range []string{"first", "second", "third"} {
		doc, err = a.Apply(doc, []PatchOp{{Op: OpAddRecentUpdate, Text: text}}, Source{})
		require.NoError(t, err)
	}
	require.Len(t, doc.RecentUpdates, 3)
	assert.Equal(t, "first", doc.RecentUpdates[0].Text)
	assert.Equal(t, "third", doc.RecentUpdates[2].Text)
}

func TestValidateOp(t *testing.T) {
	assert.Error(t, ValidateOp(PatchOp{Op: "rename_bullet"}))
	assert.Error(t, ValidateOp(PatchOp{Op: OpAddBullet}))
	assert.Error(t, ValidateOp(PatchOp{Op: OpAddConflict, Conflict: &ConflictInput{BulletA: "a"}}))
	assert.Error(t, ValidateOp(PatchOp{Op: OpAddRecentUpdate}))
	assert.NoError(t, ValidateOp(PatchOp{Op: OpAddRecentUpdate, Text: "ok"}))
}

func TestResolveConflict(t *testing.T) {
	a := testApplier()
	doc, err := a.Apply(NewDocument(), []PatchOp{
		{Op: OpAddConflict, Conflict: &ConflictInput{ID: "c-1", BulletA: "a", BulletB: "b"}},
	}, Source{})
	require.NoError(t, err)

	next, err := a.ResolveConflict(doc, "c-1", "producer")
	require.NoError(t, err)
	require.NotNil(t, next.Conflicts[0].Resolved)
	assert.Equal(t, "producer", next.Conflicts[0].Resolved.By)
	assert.Nil(t, doc.Conflicts[0].Resolved, "input document mutated")

	_, err = a.ResolveConflict(next, "c-1", "producer")
	assert.Error(t, err)
	_, err = a.ResolveConflict(next, "missing", "producer")
	assert.Error(t, err)
}

func TestDocumentRoundTrip(t *testing.T) {
	a := testApplier()
	doc, err := a.Apply(NewDocument(), []PatchOp{
		{Op: OpAddBullet, Target: &Target{Scope: "project", Section: SectionPeople}, Bullet: &BulletInput{Text: "gaffer confirmed", Tags: []string{"crew"}}},
		{Op: OpAddRecentUpdate, Text: "crew update"},
	}, Source{EventID: "ev-7"})
	require.NoError(t, err)

	raw, err := doc.ToJSON()
	require.NoError(t, err)
	back, err := FromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, doc.Sections[SectionPeople], back.Sections[SectionPeople])
	assert.Equal(t, doc.RecentUpdates, back.RecentUpdates)
}
