package evaluator

import "github.com/brensch/mctscore"

// HeuristicEvaluator is a network-free mctscore.Evaluator stand-in: a
// uniform policy over every action slot and a value vector split evenly
// across players. Used by the search package's tests, cmd/bench and
// cmd/selfplay so the engine can be exercised without an ONNX model file
// present.
type HeuristicEvaluator struct {
	NumPlayers int
	NumActions int
}

func (h HeuristicEvaluator) Predict(inputs [][]float32) ([]mctscore.ValueArray, [][]float32, error) {
	values := make([]mctscore.ValueArray, len(inputs))
	policies := make([][]float32, len(inputs))

	uniformValue := 1.0 / float64(h.NumPlayers)
	uniformLogit := float32(0) // softmax(all-zero logits) == uniform

	for i := range inputs {
		v := make(mctscore.ValueArray, h.NumPlayers)
		for p := range v {
			v[p] = uniformValue
		}
		values[i] = v

		p := make([]float32, h.NumActions)
		for a := range p {
			p[a] = uniformLogit
		}
		policies[i] = p
	}
	return values, policies, nil
}
