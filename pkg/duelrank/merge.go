package duelrank

import "context"

// decideFunc opens a gate for two items and blocks until it resolves.
type decideFunc func(ctx context.Context, left, right Item) (Outcome, error)

// merge combines two ranked sequences into one of at most limit items. It asks
// for a judgment only while both sides still have items and the output has
// room; anything left over once the output is full is abandoned. The inputs
// are not modified.
func merge(ctx context.Context, left, right Sequence, limit int, decide decideFunc) (Sequence, error) {
	if limit <= 0 {
		return Sequence{}, nil
	}

	merged := make(Sequence, 0, min(limit, len(left)+len(right)))
	i, j := 0, 0
	for len(merged) < limit {
		if i == len(left) {
			merged = append(merged, right[j:j+min(len(right)-j, limit-len(merged))]...)
			break
		}
		if j == len(right) {
			merged = append(merged, left[i:i+min(len(left)-i, limit-len(merged))]...)
			break
		}

		outcome, err := decide(ctx, left[i], right[j])
		if err != nil {
			return nil, err
		}
		switch outcome {
		case PickLeft:
			merged = append(merged, left[i])
			i++
		case PickRight:
			merged = append(merged, right[j])
			j++
		case DiscardLeft:
			i++
		case DiscardRight:
			j++
		default:
			return nil, ErrInvalidOutcome
		}
	}
	return merged, nil
}
