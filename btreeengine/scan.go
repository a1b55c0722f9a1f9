package btreeengine

// KeyEvaluation tells a Scan whether a key (or, for an interior pointer, the
// maximum key covered by a subtree) should be read, skipped, or whether the
// scan should stop entirely.
type KeyEvaluation int

const (
	EvalSkip KeyEvaluation = iota
	EvalRead
	EvalStop
)

// KeyEvaluator decides what to do with a candidate key during a Scan.
type KeyEvaluator func(key []byte) KeyEvaluation

// DataCallback receives one matching entry during a Scan. Returning
// cont=false ends the scan early without error, the same way GetRange stops
// once its limit is reached.
type DataCallback[I Index] func(key []byte, value I) (cont bool, err error)

// Scan walks the tree in key order (or, when forwards is false, in reverse
// key order), consulting evaluator at every interior pointer to prune whole
// subtrees before loading them, and at every leaf entry to decide whether to
// invoke callback. The same evaluator/callback contract serves both
// directions, matching nebari's roots.rs scan(range, forwards,
// key_evaluator, callback).
func (t *BTree[I, R]) Scan(evaluator KeyEvaluator, callback DataCallback[I], forwards bool) error {
	_, err := t.scanNode(t.root, evaluator, callback, forwards)
	return err
}

func (t *BTree[I, R]) scanNode(n *node[I, R], evaluator KeyEvaluator, callback DataCallback[I], forwards bool) (stop bool, err error) {
	if n.Leaf {
		for i := range n.Leaves {
			idx := i
			if !forwards {
				idx = len(n.Leaves) - 1 - i
			}
			e := n.Leaves[idx]
			switch evaluator(e.Key) {
			case EvalStop:
				return true, nil
			case EvalSkip:
				continue
			default:
				cont, err := callback(e.Key, e.Value)
				if err != nil {
					return true, err
				}
				if !cont {
					return true, nil
				}
			}
		}
		return false, nil
	}

	for i := range n.Interiors {
		idx := i
		if !forwards {
			idx = len(n.Interiors) - 1 - i
		}
		// An interior key is the maximum key of its subtree, so only one
		// verdict per direction covers the whole subtree: going forwards, a
		// skipped maximum means every smaller key is skipped too; going
		// backwards, a stopping maximum means the scan has passed the range.
		// The other verdict can still leave in-range keys inside the subtree,
		// so the scan descends and lets the leaf entries decide.
		switch evaluator(n.Interiors[idx].Key) {
		case EvalStop:
			if !forwards {
				return true, nil
			}
		case EvalSkip:
			if forwards {
				continue
			}
		}
		child, err := t.loadChild(&n.Interiors[idx])
		if err != nil {
			return true, err
		}
		stop, err := t.scanNode(child, evaluator, callback, forwards)
		if err != nil || stop {
			return true, err
		}
	}
	return false, nil
}

// GetMultiple looks up several keys in one pass, returning only the ones
// found.
func (t *BTree[I, R]) GetMultiple(keys [][]byte) (map[string]I, error) {
	out := make(map[string]I, len(keys))
	for _, k := range keys {
		v, ok, err := t.Get(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[string(k)] = v
		}
	}
	return out, nil
}

// Last returns the greatest key in the tree and its index. It is a
// convenience reverse scan: the same Scan primitive used for bounded and
// prefixed queries, run backwards with an evaluator that reads everything
// and a callback that stops after the first (i.e. rightmost) entry.
func (t *BTree[I, R]) Last() (key []byte, value I, found bool, err error) {
	var zero I
	err = t.Scan(
		func([]byte) KeyEvaluation { return EvalRead },
		func(k []byte, v I) (bool, error) {
			key, value, found = k, v, true
			return false, nil
		},
		false,
	)
	if err != nil {
		return nil, zero, false, err
	}
	return key, value, found, nil
}

// LastKey returns the greatest key in the tree.
func (t *BTree[I, R]) LastKey() ([]byte, bool, error) {
	key, _, found, err := t.Last()
	return key, found, err
}
