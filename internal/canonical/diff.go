// diff.go computes the structural field-level diff between two canonicalized
// snapshots, used by the version compare endpoint.
package canonical

// FieldChange holds the before/after values for one changed field.
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Diff is a field-level comparison of two snapshots. Keys present only in the
// second snapshot appear under Added; keys present only in the first under
// Removed; keys present in both with different values under Changed. Nested
// maps recurse with dotted key paths. Arrays are compared as whole values;
// any element or length change reports the entire array as changed. Positional
// or keyed array diffing is deliberately not supported.
type Diff struct {
	Added   map[string]interface{} `json:"added,omitempty"`
	Removed map[string]interface{} `json:"removed,omitempty"`
	Changed map[string]FieldChange `json:"changed,omitempty"`
}

// Empty reports whether the diff contains no changes.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Compare produces the structural diff from old to new. Values are compared
// by canonical byte form, so 1 vs 1.0 is not a change.
func Compare(oldSnap, newSnap map[string]interface{}) (*Diff, error) {
	d := &Diff{
		Added:   make(map[string]interface{}),
		Removed: make(map[string]interface{}),
		Changed: make(map[string]FieldChange),
	}
	if err := compareInto(d, "", oldSnap, newSnap); err != nil {
		return nil, err
	}
	return d, nil
}

func compareInto(d *Diff, prefix string, oldSnap, newSnap map[string]interface{}) error {
	for k, oldVal := range oldSnap {
		path := joinPath(prefix, k)
		newVal, ok := newSnap[k]
		if !ok {
			d.Removed[path] = oldVal
			continue
		}

		oldMap, oldIsMap := oldVal.(map[string]interface{})
		newMap, newIsMap := newVal.(map[string]interface{})
		if oldIsMap && newIsMap {
			if err := compareInto(d, path, oldMap, newMap); err != nil {
				return err
			}
			continue
		}

		same, err := equalValues(oldVal, newVal)
		if err != nil {
			return err
		}
		if !same {
			d.Changed[path] = FieldChange{Old: oldVal, New: newVal}
		}
	}

	for k, newVal := range newSnap {
		if _, ok := oldSnap[k]; !ok {
			d.Added[joinPath(prefix, k)] = newVal
		}
	}
	return nil
}

func equalValues(a, b interface{}) (bool, error) {
	return Equal(
		map[string]interface{}{"v": a},
		map[string]interface{}{"v": b},
	)
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
