package model

// Migration upgrades a single persisted record from one schema version
// to the next. Migrations are applied atomically per record, keyed by
// (From, To), following the original implementation's declarative
// migration tables (e.g. task_v1_to_v2).
type Migration struct {
	From uint16
	To   uint16
	Up   func(raw []byte) ([]byte, error)
}

// Chain selects the sequence of migrations needed to bring a record
// from `from` up to the newest registered version, in order.
func Chain(migrations []Migration, from uint16) []Migration {
	byFrom := make(map[uint16]Migration, len(migrations))
	maxTo := from
	for _, m := range migrations {
		byFrom[m.From] = m
		if m.To > maxTo {
			maxTo = m.To
		}
	}

	var chain []Migration
	cur := from
	for cur < maxTo {
		m, ok := byFrom[cur]
		if !ok {
			break
		}
		chain = append(chain, m)
		cur = m.To
	}
	return chain
}
