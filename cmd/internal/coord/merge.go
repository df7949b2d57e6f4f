package coord

import "encoding/json"

// mergeStates deterministically combines two concurrently updated state
// blobs. a and b are tagged with the tab ids that produced them; the
// update whose tab id is lexicographically larger wins scalar
// conflicts, so the result is independent of arrival order.
//
// Rules:
//   - nested maps merge recursively
//   - arrays union, removing duplicates, loser's elements first
//   - conflicting scalars (or mismatched kinds) resolve to the winner
func mergeStates(a, b map[string]any, aTab, bTab string) map[string]any {
	loser, winner := a, b
	if aTab > bTab {
		loser, winner = b, a
	}
	return mergeMaps(loser, winner)
}

func mergeMaps(loser, winner map[string]any) map[string]any {
	out := make(map[string]any, len(loser)+len(winner))
	for k, v := range loser {
		out[k] = v
	}
	for k, wv := range winner {
		lv, ok := out[k]
		if !ok {
			out[k] = wv
			continue
		}
		out[k] = mergeValues(lv, wv)
	}
	return out
}

func mergeValues(lv, wv any) any {
	if lm, ok := lv.(map[string]any); ok {
		if wm, ok := wv.(map[string]any); ok {
			return mergeMaps(lm, wm)
		}
	}
	if la, ok := lv.([]any); ok {
		if wa, ok := wv.([]any); ok {
			return unionArrays(la, wa)
		}
	}
	// Scalar conflict or kind mismatch: the winner's value stands.
	return wv
}

// unionArrays appends the winner's elements not already present in the
// loser's, deduplicating by canonical JSON form.
func unionArrays(loser, winner []any) []any {
	out := make([]any, 0, len(loser)+len(winner))
	seen := make(map[string]struct{}, len(loser)+len(winner))

	add := func(v any) {
		key := canonicalJSON(v)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}

	for _, v := range loser {
		add(v)
	}
	for _, v := range winner {
		add(v)
	}
	return out
}

// canonicalJSON keys a value by its marshaled form. Go maps marshal
// with sorted keys, so equal values always produce equal keys.
func canonicalJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
