package ir

// PatternID numbers the control-flow patterns of the workflow pattern
// catalogue that a (join, split) pair can realise.
type PatternID uint8

const (
	PatternSequence           PatternID = 1
	PatternParallelSplit      PatternID = 2
	PatternSynchronization    PatternID = 3
	PatternExclusiveChoice    PatternID = 4
	PatternSimpleMerge        PatternID = 5
	PatternMultiChoice        PatternID = 6
	PatternSynchronizingMerge PatternID = 7
)

// Pattern is the execution pattern of a task: the pattern realised by its
// join and the one realised by its split.
type Pattern struct {
	Join     PatternID
	Split    PatternID
	Name     string
	Sequence bool // exactly one incoming and one outgoing edge
}

// catalogue is indexed by [join-1][split-1].
var catalogue = [3][3]Pattern{
	{
		{PatternSynchronization, PatternParallelSplit, "Synchronization+ParallelSplit", false},
		{PatternSynchronization, PatternExclusiveChoice, "Synchronization+ExclusiveChoice", false},
		{PatternSynchronization, PatternMultiChoice, "Synchronization+MultiChoice", false},
	},
	{
		{PatternSimpleMerge, PatternParallelSplit, "SimpleMerge+ParallelSplit", false},
		{PatternSimpleMerge, PatternExclusiveChoice, "SimpleMerge+ExclusiveChoice", false},
		{PatternSimpleMerge, PatternMultiChoice, "SimpleMerge+MultiChoice", false},
	},
	{
		{PatternSynchronizingMerge, PatternParallelSplit, "SynchronizingMerge+ParallelSplit", false},
		{PatternSynchronizingMerge, PatternExclusiveChoice, "SynchronizingMerge+ExclusiveChoice", false},
		{PatternSynchronizingMerge, PatternMultiChoice, "SynchronizingMerge+MultiChoice", false},
	},
}

// LookupPattern returns the catalogue entry for a (join, split) pair.
// Both kinds must be valid.
func LookupPattern(j JoinKind, s SplitKind) Pattern {
	return catalogue[j-1][s-1]
}

// AsSequence marks the pattern as a plain sequence. The join and split
// entries are kept since they still decide runtime behaviour.
func (p Pattern) AsSequence() Pattern {
	p.Sequence = true
	p.Name = "Sequence"
	return p
}

func (p Pattern) String() string {
	if p.Name == "" {
		return "Unresolved"
	}
	return p.Name
}
