package replay

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/logic"
)

// keyState is the running fold of one key.
type keyState struct {
	key     string
	value   ir.IRValue
	version string
}

// arena holds every key's state for one unit. States are appended to a slice
// and addressed by index so the map holds no pointers.
type arena struct {
	index  map[string]int
	states []keyState
}

func newArena() *arena {
	return &arena{index: make(map[string]int)}
}

// fold applies ev to its key's state under version v.
func (a *arena) fold(ev ir.Event, v logic.Version) error {
	i, ok := a.index[ev.Key]
	if !ok {
		i = len(a.states)
		a.index[ev.Key] = i
		a.states = append(a.states, keyState{key: ev.Key, value: v.Folder.Initial()})
	}
	next, err := v.Folder.Fold(a.states[i].value, ev)
	if err != nil {
		return fmt.Errorf("key %q under %s: %w", ev.Key, v.ID, err)
	}
	a.states[i].value = next
	a.states[i].version = v.ID
	return nil
}

func (a *arena) len() int {
	return len(a.states)
}

// snapshot serializes the arena for a checkpoint.
func (a *arena) snapshot() ir.IRObject {
	out := make(ir.IRObject, len(a.states))
	for _, s := range a.states {
		out[s.key] = ir.IRObject{
			"v":  s.value,
			"lv": ir.IRString(s.version),
		}
	}
	return out
}

// restoreArena rebuilds an arena from a checkpoint snapshot.
func restoreArena(state ir.IRObject) (*arena, error) {
	a := newArena()
	for _, key := range state.SortedKeys() {
		entry, ok := state[key].(ir.IRObject)
		if !ok {
			return nil, fmt.Errorf("checkpoint state for %q is %T, want object", key, state[key])
		}
		value, ok := entry["v"]
		if !ok {
			return nil, fmt.Errorf("checkpoint state for %q has no value", key)
		}
		version, _ := entry["lv"].(ir.IRString)
		a.index[key] = len(a.states)
		a.states = append(a.states, keyState{key: key, value: value, version: string(version)})
	}
	return a, nil
}

// results returns one fingerprinted result per key, sorted by key.
func (a *arena) results() ([]ir.ReplayResult, error) {
	out := make([]ir.ReplayResult, 0, len(a.states))
	for _, s := range a.states {
		fp, err := ir.Fingerprint(s.key, s.value, s.version)
		if err != nil {
			return nil, err
		}
		out = append(out, ir.ReplayResult{
			Key:          s.key,
			Value:        s.value,
			LogicVersion: s.version,
			Fingerprint:  fp,
		})
	}
	slices.SortFunc(out, func(x, y ir.ReplayResult) int { return strings.Compare(x.Key, y.Key) })
	return out, nil
}
