package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond builds start -> A (AND split) -> B, C -> D (AND join) -> end.
func diamond() *Specification {
	spec := &Specification{
		Root: "diamond",
		Hash: "h",
		Conditions: []Condition{
			{ID: "start", IsStart: true},
			{ID: "end", IsEnd: true},
		},
		Tasks: []Task{
			{ID: "A", Join: JoinXOR, Split: SplitAND},
			{ID: "B", Join: JoinXOR, Split: SplitXOR},
			{ID: "C", Join: JoinXOR, Split: SplitXOR},
			{ID: "D", Join: JoinAND, Split: SplitAND},
		},
		Edges: []Edge{
			{ID: "e0", Source: ConditionRef(0), Target: TaskRef(0)},
			{ID: "e1", Source: TaskRef(0), Target: TaskRef(2), Order: 2},
			{ID: "e2", Source: TaskRef(0), Target: TaskRef(1), Order: 1},
			{ID: "e3", Source: TaskRef(1), Target: TaskRef(3)},
			{ID: "e4", Source: TaskRef(2), Target: TaskRef(3)},
			{ID: "e5", Source: TaskRef(3), Target: ConditionRef(1)},
		},
		Variables: []Variable{{Name: "amount", Initial: Int(10)}},
	}
	spec.Freeze()
	return spec
}

func TestFreezeAdjacency(t *testing.T) {
	spec := diamond()

	assert.Equal(t, int32(0), spec.Start)
	assert.Equal(t, int32(1), spec.End)
	assert.Equal(t, []int32{0}, spec.Tasks[0].Incoming)
	assert.Equal(t, []int32{2, 1}, spec.Tasks[0].Outgoing, "outgoing edges sorted by order")
	assert.Equal(t, []int32{3, 4}, spec.Tasks[3].Incoming)
	assert.Equal(t, []int32{0}, spec.Conditions[0].Outgoing)
	assert.Equal(t, []int32{5}, spec.Conditions[1].Incoming)
	assert.True(t, spec.Frozen())
}

func TestFreezePatterns(t *testing.T) {
	spec := diamond()

	assert.Equal(t, "SimpleMerge+ParallelSplit", spec.Tasks[0].Pattern.Name)
	assert.True(t, spec.Tasks[1].Pattern.Sequence)
	assert.Equal(t, PatternSimpleMerge, spec.Tasks[1].Pattern.Join)
	assert.Equal(t, PatternExclusiveChoice, spec.Tasks[1].Pattern.Split)
	assert.Equal(t, PatternSynchronization, spec.Tasks[3].Pattern.Join)
	assert.False(t, spec.Tasks[3].Pattern.Sequence)
}

func TestFreezeIdempotent(t *testing.T) {
	spec := diamond()
	spec.Freeze()
	assert.Equal(t, []int32{2, 1}, spec.Tasks[0].Outgoing)
}

func TestIndexLookups(t *testing.T) {
	spec := diamond()

	i, ok := spec.TaskIndex("C")
	require.True(t, ok)
	assert.Equal(t, int32(2), i)

	_, ok = spec.TaskIndex("missing")
	assert.False(t, ok)

	e, ok := spec.EdgeIndex("e4")
	require.True(t, ok)
	assert.Equal(t, int32(4), e)

	ref, ok := spec.Lookup("end")
	require.True(t, ok)
	assert.Equal(t, ConditionRef(1), ref)
	assert.Equal(t, "end", spec.NodeID(ref))
}

func TestNodeOrdinal(t *testing.T) {
	spec := diamond()
	assert.Equal(t, 6, spec.NodeCount())
	for i := 0; i < spec.NodeCount(); i++ {
		assert.Equal(t, i, spec.NodeOrdinal(spec.NodeAt(i)))
	}
	assert.Equal(t, ConditionRef(0), spec.NodeAt(4))
}

func TestPatternCatalogueComplete(t *testing.T) {
	for j := JoinAND; j <= JoinOR; j++ {
		for s := SplitAND; s <= SplitOR; s++ {
			p := LookupPattern(j, s)
			assert.NotEmpty(t, p.Name, "%s/%s", j, s)
			assert.False(t, p.Sequence)
		}
	}
	assert.Equal(t, Pattern{PatternSynchronizingMerge, PatternMultiChoice, "SynchronizingMerge+MultiChoice", false},
		LookupPattern(JoinOR, SplitOR))
}

func TestParseKinds(t *testing.T) {
	j, ok := ParseJoinKind("xor")
	assert.True(t, ok)
	assert.Equal(t, JoinXOR, j)

	_, ok = ParseJoinKind("NAND")
	assert.False(t, ok)

	s, ok := ParseSplitKind(" OR ")
	assert.True(t, ok)
	assert.Equal(t, SplitOR, s)

	assert.False(t, JoinInvalid.Valid())
	assert.Equal(t, "AND", JoinAND.String())
	assert.Equal(t, "SplitKind(0)", SplitInvalid.String())
}

func TestInitialBindings(t *testing.T) {
	spec := diamond()
	b := spec.InitialBindings()
	b["amount"] = Int(99)
	assert.Equal(t, Object{"amount": Int(10)}, spec.InitialBindings())
}
