package query

// Filterer is implemented by each inspector to contribute hard-filter and
// provision-filter transforms. Kept here rather than in internal/inspector
// to avoid a cycle, since the Filter Composer consumes it without
// needing the rest of the Inspector capability.
type Filterer interface {
	Name() string
	HardFilter(q *Query) *Query
	ProvisionFilter(q *Query) *Query
}

// Compose asks every Filterer for HardFilter(q) and field-wise merges the
// results; unrecognised keys (already present in q but untouched by any
// filterer) pass through verbatim.
func Compose(q *Query, filterers []Filterer) *Query {
	merged := map[string]Cond{}
	for _, c := range q.Conds {
		merged[c.Key] = c
	}
	for _, f := range filterers {
		sub := f.HardFilter(q)
		if sub == nil {
			continue
		}
		for _, c := range sub.Conds {
			merged[c.Key] = c // field-wise merge: last writer for a given field
		}
	}
	out := &Query{}
	for _, key := range sortedKeys(merged) {
		out.Conds = append(out.Conds, merged[key])
	}
	return out
}

// ComposeProvision runs every Filterer's ProvisionFilter over q in
// registration order, each seeing the prior filterer's output, so that
// inspector knowledge can rewrite the query before it reaches a provisioner
// (e.g. 1g_hugepage=true appending pdpe1gb to cpu-flags).
func ComposeProvision(q *Query, filterers []Filterer) *Query {
	cur := q
	for _, f := range filterers {
		if rewritten := f.ProvisionFilter(cur); rewritten != nil {
			cur = rewritten
		}
	}
	return cur
}

func sortedKeys(m map[string]Cond) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// simple insertion sort is fine here; these lists are small (few dozen
	// parameters at most) and this keeps Compose dependency-free.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
