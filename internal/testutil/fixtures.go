package testutil

// SequenceWorkflow is start → T1 → end with T1 an AND-join/AND-split task.
func SequenceWorkflow() *Workflow {
	return NewWorkflow("sequence").
		Start("start").End("end").
		Task("T1", "AND", "AND").
		Flow("start", "T1").
		Flow("T1", "end")
}

// ParallelWorkflow is start → T1, which AND-splits into T2 and T3, both
// AND-joined into T4 → end.
func ParallelWorkflow() *Workflow {
	return NewWorkflow("parallel").
		Start("start").End("end").
		Task("T1", "XOR", "AND").
		Task("T2", "XOR", "XOR").
		Task("T3", "XOR", "XOR").
		Task("T4", "AND", "AND").
		Flow("start", "T1").
		Flow("T1", "T2").
		Flow("T1", "T3").
		Flow("T2", "T4").
		Flow("T3", "T4").
		Flow("T4", "end")
}

// ChoiceWorkflow is start → T1, which XOR-splits on amount into "high"
// (amount > 100) or the default "low", both merging into T4 → end.
func ChoiceWorkflow() *Workflow {
	return NewWorkflow("choice").
		Start("start").End("end").
		Variable("amount", int64(0)).
		Task("T1", "XOR", "XOR").
		Task("high", "XOR", "AND").
		Task("low", "XOR", "AND").
		Task("T4", "XOR", "AND").
		Flow("start", "T1").
		Flow("T1", "high", Guard("amount > 100")).
		Flow("T1", "low", Default()).
		Flow("high", "T4").
		Flow("low", "T4").
		Flow("T4", "end")
}
