package reader

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Cut types for NormalizeLength
const (
	CutHead = "head"
	CutTail = "tail"
)

// Dataset holds labels, contexts and responses of one split.
// A context is the flattened token ids of all its utterances, separated by the EOS id.
type Dataset struct {
	Y []int
	C [][]int
	R [][]int
}

// Len returns the number of examples
func (d *Dataset) Len() int {
	return len(d.Y)
}

// Splits groups the train, validation and test datasets
type Splits struct {
	Train *Dataset
	Valid *Dataset
	Test  *Dataset
}

// Conf controls how samples are cut and padded into batches
type Conf struct {
	BatchSize   int
	MaxTurnNum  int
	MaxTurnLen  int
	EOS         int
	TurnCutType string
	TermCutType string
}

// LoadData loads train.txt, valid.txt and (optionally) test.txt from dir
func LoadData(dir string) (*Splits, error) {
	fmt.Println("Loading data from:", dir)

	train, err := LoadDataset(filepath.Join(dir, "train.txt"))
	if err != nil {
		return nil, err
	}
	valid, err := LoadDataset(filepath.Join(dir, "valid.txt"))
	if err != nil {
		return nil, err
	}

	test := &Dataset{}
	testPath := filepath.Join(dir, "test.txt")
	if _, err := os.Stat(testPath); err == nil {
		if test, err = LoadDataset(testPath); err != nil {
			return nil, err
		}
	}

	fmt.Printf("\ttrain:\t\t%d\n", train.Len())
	fmt.Printf("\tvalid:\t\t%d\n", valid.Len())
	fmt.Printf("\ttest:\t\t%d\n", test.Len())

	return &Splits{Train: train, Valid: valid, Test: test}, nil
}

// LoadDataset reads one split.
// Format: label \t context ids \t response ids (ids separated by spaces)
func LoadDataset(filename string) (*Dataset, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file %s: %v", filename, err)
	}
	defer file.Close()

	data := &Dataset{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s:%d: expected 3 tab separated fields, got %d", filename, lineNo, len(fields))
		}

		label, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid label: %v", filename, lineNo, err)
		}
		context, err := parseIDs(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid context: %v", filename, lineNo, err)
		}
		response, err := parseIDs(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid response: %v", filename, lineNo, err)
		}

		data.Y = append(data.Y, label)
		data.C = append(data.C, context)
		data.R = append(data.R, response)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", filename, err)
	}

	return data, nil
}

func parseIDs(s string) ([]int, error) {
	fields := strings.Fields(s)
	ids := make([]int, len(fields))
	for i, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// UnisonShuffle permutes labels, contexts and responses with the same permutation.
// The input dataset is left untouched.
func UnisonShuffle(data *Dataset, rng *rand.Rand) *Dataset {
	n := data.Len()
	perm := rng.Perm(n)

	shuffled := &Dataset{
		Y: make([]int, n),
		C: make([][]int, n),
		R: make([][]int, n),
	}
	for i, p := range perm {
		shuffled.Y[i] = data.Y[p]
		shuffled.C[i] = data.C[p]
		shuffled.R[i] = data.R[p]
	}
	return shuffled
}

// SplitContext splits a flattened context into turns on the EOS id
func SplitContext(c []int, eos int) [][]int {
	turns := [][]int{{}}
	for _, id := range c {
		if id != eos {
			turns[len(turns)-1] = append(turns[len(turns)-1], id)
		} else {
			turns = append(turns, []int{})
		}
	}
	if len(turns[len(turns)-1]) == 0 && len(turns) > 1 {
		turns = turns[:len(turns)-1]
	}
	return turns
}

// NormalizeLength pads or cuts ids to exactly length entries.
// It returns the normalized ids and min(len(ids), length).
func NormalizeLength(ids []int, length int, cutType string) ([]int, int) {
	realLen := len(ids)
	out := make([]int, length)
	if realLen == 0 {
		return out, 0
	}
	if realLen <= length {
		copy(out, ids)
		return out, realLen
	}
	if cutType == CutHead {
		copy(out, ids[:length])
	} else {
		copy(out, ids[realLen-length:])
	}
	return out, length
}

// normalizeTurns is NormalizeLength for the turn list; padding turns are empty
func normalizeTurns(turns [][]int, length int, cutType string) ([][]int, int) {
	realLen := len(turns)
	out := make([][]int, length)
	if realLen <= length {
		copy(out, turns)
		return out, realLen
	}
	if cutType == CutHead {
		copy(out, turns[:length])
	} else {
		copy(out, turns[realLen-length:])
	}
	return out, length
}

// Sample is one normalized example
type Sample struct {
	Label       int
	Turns       [][]int // [max_turn_num][max_turn_len]
	Response    []int   // [max_turn_len]
	TurnNum     int
	TurnLens    []int // [max_turn_num]
	ResponseLen int
}

// ProduceOneSample normalizes example index of data
func ProduceOneSample(data *Dataset, index int, conf Conf) Sample {
	turnCut, termCut := conf.CutTypes()

	turns := SplitContext(data.C[index], conf.EOS)
	norTurns, turnNum := normalizeTurns(turns, conf.MaxTurnNum, turnCut)

	s := Sample{
		Label:    data.Y[index],
		Turns:    make([][]int, conf.MaxTurnNum),
		TurnNum:  turnNum,
		TurnLens: make([]int, conf.MaxTurnNum),
	}
	for t, turn := range norTurns {
		s.Turns[t], s.TurnLens[t] = NormalizeLength(turn, conf.MaxTurnLen, termCut)
	}
	s.Response, s.ResponseLen = NormalizeLength(data.R[index], conf.MaxTurnLen, termCut)
	return s
}

// CutTypes returns the turn and term cut types, defaulting to tail
func (conf Conf) CutTypes() (string, string) {
	turnCut, termCut := conf.TurnCutType, conf.TermCutType
	if turnCut == "" {
		turnCut = CutTail
	}
	if termCut == "" {
		termCut = CutTail
	}
	return turnCut, termCut
}

// Batches holds the normalized samples grouped into full batches
type Batches struct {
	Conf    Conf
	Samples [][]Sample // [batch][batch_size]
}

// Len returns the number of batches
func (b *Batches) Len() int {
	return len(b.Samples)
}

// BuildBatches builds len(data)/batch_size full batches; the remainder is dropped
func BuildBatches(data *Dataset, conf Conf) *Batches {
	batchNum := data.Len() / conf.BatchSize
	batches := &Batches{
		Conf:    conf,
		Samples: make([][]Sample, batchNum),
	}
	for b := 0; b < batchNum; b++ {
		batch := make([]Sample, conf.BatchSize)
		for i := 0; i < conf.BatchSize; i++ {
			batch[i] = ProduceOneSample(data, b*conf.BatchSize+i, conf)
		}
		batches.Samples[b] = batch
	}
	return batches
}
