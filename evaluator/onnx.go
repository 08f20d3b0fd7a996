package evaluator

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/brensch/mctscore"
	ort "github.com/yalue/onnxruntime_go"
)

// OnnxEvaluator implements mctscore.Evaluator over a single ONNX Runtime
// session, grounded on the teacher's executor/inference.OnnxClient. Unlike
// the teacher, it does no internal request queuing: Service already owns
// batching (spec §4.3), so Predict is a single synchronous batch-in,
// batch-out call.
type OnnxEvaluator struct {
	session      *ort.DynamicAdvancedSession
	inputShape   []int // trailing dims, excluding batch
	numPlayers   int
	numActions   int
}

var ortInitOnce sync.Once
var ortInitErr error

// OnnxConfig names the model's input/output tensor names and shapes, since
// unlike the battlesnake teacher this engine serves several different
// games from the same binary.
type OnnxConfig struct {
	ModelPath    string
	InputName    string
	PolicyName   string
	ValueName    string
	InputShape   []int // trailing dims, excluding batch
	NumPlayers   int
	NumActions   int
	PreferCUDA   bool
}

// NewOnnxEvaluator opens an ONNX Runtime session for cfg.ModelPath.
func NewOnnxEvaluator(cfg OnnxConfig) (*OnnxEvaluator, error) {
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.PolicyName == "" {
		cfg.PolicyName = "policy"
	}
	if cfg.ValueName == "" {
		cfg.ValueName = "value"
	}

	if runtime.GOOS == "linux" {
		ensureLinuxLibraryPath()
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			cwd, _ := os.Getwd()
			for _, name := range []string{"libonnxruntime.so", "libonnxruntime.so.1"} {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
	}

	ortInitOnce.Do(func() { ortInitErr = ort.InitializeEnvironment() })
	if ortInitErr != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", ortInitErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	if cfg.PreferCUDA {
		if cudaOptions, cudaErr := ort.NewCUDAProviderOptions(); cudaErr == nil {
			defer cudaOptions.Destroy()
			_ = options.AppendExecutionProviderCUDA(cudaOptions)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.PolicyName, cfg.ValueName},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnxruntime session: %w", err)
	}

	return &OnnxEvaluator{
		session:    session,
		inputShape: cfg.InputShape,
		numPlayers: cfg.NumPlayers,
		numActions: cfg.NumActions,
	}, nil
}

func (e *OnnxEvaluator) Close() error { return e.session.Destroy() }

// Predict implements mctscore.Evaluator: it flattens `inputs` into one
// batch tensor, runs the session once, and splits the policy/value outputs
// back out per slot.
func (e *OnnxEvaluator) Predict(inputs [][]float32) ([]mctscore.ValueArray, [][]float32, error) {
	n := len(inputs)
	if n == 0 {
		return nil, nil, nil
	}

	per := 1
	for _, d := range e.inputShape {
		per *= d
	}

	flat := make([]float32, 0, n*per)
	for _, in := range inputs {
		flat = append(flat, in...)
	}

	shape := make([]int64, 0, len(e.inputShape)+1)
	shape = append(shape, int64(n))
	for _, d := range e.inputShape {
		shape = append(shape, int64(d))
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(shape...), flat)
	if err != nil {
		return nil, nil, err
	}
	defer inputTensor.Destroy()

	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(n), int64(e.numActions)))
	if err != nil {
		return nil, nil, err
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(n), int64(e.numPlayers)))
	if err != nil {
		return nil, nil, err
	}
	defer valueTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor}); err != nil {
		return nil, nil, fmt.Errorf("run session: %w", err)
	}

	policyData := policyTensor.GetData()
	valueData := valueTensor.GetData()

	values := make([]mctscore.ValueArray, n)
	policies := make([][]float32, n)
	for i := 0; i < n; i++ {
		v := make(mctscore.ValueArray, e.numPlayers)
		for p := 0; p < e.numPlayers; p++ {
			v[p] = float64(valueData[i*e.numPlayers+p])
		}
		values[i] = v

		policy := make([]float32, e.numActions)
		copy(policy, policyData[i*e.numActions:(i+1)*e.numActions])
		policies[i] = policy
	}

	return values, policies, nil
}

func ensureLinuxLibraryPath() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	patterns := []string{
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "nvidia", "*", "lib"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "torch", "lib"),
	}
	candidateDirs := []string{cwd}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		candidateDirs = append(candidateDirs, matches...)
	}

	existing := os.Getenv("LD_LIBRARY_PATH")
	existingSet := map[string]bool{}
	for _, p := range strings.Split(existing, ":") {
		if p != "" {
			existingSet[p] = true
		}
	}

	var toAdd []string
	for _, d := range candidateDirs {
		if existingSet[d] {
			continue
		}
		if st, statErr := os.Stat(d); statErr == nil && st.IsDir() {
			toAdd = append(toAdd, d)
		}
	}
	if len(toAdd) == 0 {
		return
	}
	newVal := strings.Join(toAdd, ":")
	if existing != "" {
		newVal += ":" + existing
	}
	_ = os.Setenv("LD_LIBRARY_PATH", newVal)
}
