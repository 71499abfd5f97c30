package dam

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/cnclabs/dam/pkg/optim"
	"github.com/cnclabs/dam/pkg/reader"
)

const (
	checkpointVersion = 1
	manifestFile      = "manifest.json"
	paramsFile        = "params.gob"
)

// Manifest describes a checkpoint directory
type Manifest struct {
	Version   int          `json:"version"`
	CreatedAt string       `json:"created_at"`
	RunID     string       `json:"run_id,omitempty"`
	Step      int          `json:"step"`
	Config    Config       `json:"config"`
	Params    []ParamShape `json:"params"`

	// data conventions the model was trained with
	EOS         int    `json:"eos"`
	TurnCutType string `json:"turn_cut_type"`
	TermCutType string `json:"term_cut_type"`
}

// DataConf returns the reader settings matching the checkpoint, without a batch size
func (m *Manifest) DataConf() reader.Conf {
	return reader.Conf{
		MaxTurnNum:  m.Config.MaxTurnNum,
		MaxTurnLen:  m.Config.MaxTurnLen,
		EOS:         m.EOS,
		TurnCutType: m.TurnCutType,
		TermCutType: m.TermCutType,
	}
}

// ParamShape records the name and shape of one persisted param
type ParamShape struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// persistables is the binary payload of a checkpoint
type persistables struct {
	State     map[string][]float64
	Optimizer *optim.State
}

// Save writes the parameters (and the optimizer state when opt is not nil) into dir.
// The EOS id and cut types of data are recorded in the manifest.
func (n *Net) Save(dir, runID string, step int, data reader.Conf, opt *optim.Adam) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %v", err)
	}

	turnCut, termCut := data.CutTypes()
	manifest := Manifest{
		Version:     checkpointVersion,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		RunID:       runID,
		Step:        step,
		Config:      n.cfg,
		EOS:         data.EOS,
		TurnCutType: turnCut,
		TermCutType: termCut,
	}
	payload := persistables{State: make(map[string][]float64, len(n.params.Params))}
	for _, p := range n.params.Params {
		manifest.Params = append(manifest.Params, ParamShape{Name: p.Name, Shape: p.Shape})
		payload.State[p.Name] = p.Data
	}
	if opt != nil {
		payload.Optimizer = opt.State()
	}

	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), b, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %v", err)
	}

	file, err := os.Create(filepath.Join(dir, paramsFile))
	if err != nil {
		return fmt.Errorf("failed to create params file: %v", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(&payload); err != nil {
		return fmt.Errorf("failed to write params: %v", err)
	}
	return file.Close()
}

// ReadManifest reads the manifest of a checkpoint directory
func ReadManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(b, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %v", err)
	}
	if manifest.Version != checkpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", manifest.Version)
	}
	return &manifest, nil
}

// Load builds a network from a checkpoint directory.
// The optimizer state, when present, is returned for resuming.
func Load(dir string) (*Net, *Manifest, *optim.State, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, nil, nil, err
	}

	n, err := New(manifest.Config, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, nil, nil, err
	}
	opt, err := n.loadParams(filepath.Join(dir, paramsFile))
	if err != nil {
		return nil, nil, nil, err
	}
	return n, manifest, opt, nil
}

// Restore overwrites the parameters of n with those stored in dir
func (n *Net) Restore(dir string) (*optim.State, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if manifest.Config != n.cfg {
		return nil, fmt.Errorf("checkpoint config %+v does not match model config %+v", manifest.Config, n.cfg)
	}
	return n.loadParams(filepath.Join(dir, paramsFile))
}

func (n *Net) loadParams(filename string) (*optim.State, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open params file: %v", err)
	}
	defer file.Close()

	var payload persistables
	if err := gob.NewDecoder(file).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode params: %v", err)
	}
	for _, p := range n.params.Params {
		data, ok := payload.State[p.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint is missing param %s", p.Name)
		}
		if len(data) != p.Size() {
			return nil, fmt.Errorf("param %s has %d values, want %d", p.Name, len(data), p.Size())
		}
		copy(p.Data, data)
	}
	return payload.Optimizer, nil
}
