package reader

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Example is the network feed for one sample
type Example struct {
	Turns       [][]int // [max_turn_num][max_turn_len]
	Response    []int
	TurnLens    []int
	ResponseLen int
	Label       float64
}

// Input is the network feed for one batch
type Input struct {
	Examples []Example
}

// Len returns the batch size
func (in *Input) Len() int {
	return len(in.Examples)
}

// MakeOneBatchInput builds the feed of batch index
func MakeOneBatchInput(batches *Batches, index int) *Input {
	samples := batches.Samples[index]
	input := &Input{Examples: make([]Example, len(samples))}
	for i := range samples {
		input.Examples[i] = MakeExample(&samples[i])
	}
	return input
}

// MakeExample converts a normalized sample into a network feed.
// Padding is carried by the lengths: the first TurnLens[t] ids of a turn are real.
func MakeExample(s *Sample) Example {
	return Example{
		Turns:       s.Turns,
		Response:    s.Response,
		TurnLens:    s.TurnLens,
		ResponseLen: s.ResponseLen,
		Label:       float64(s.Label),
	}
}

// LoadEmbedding loads an initial word embedding table with vocab+1 rows.
// Format: "rows dim" header line, then "id v1 v2 ... vdim" per line.
// Rows missing from the file are left nil.
func LoadEmbedding(filename string, vocab, dim int) ([][]float64, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("embedding file %s is empty", filename)
	}
	header := strings.Fields(scanner.Text())
	if len(header) != 2 {
		return nil, fmt.Errorf("invalid embedding header %q", scanner.Text())
	}
	fileDim, err := strconv.Atoi(header[1])
	if err != nil {
		return nil, fmt.Errorf("invalid embedding dimension: %v", err)
	}
	if fileDim != dim {
		return nil, fmt.Errorf("embedding dimension %d does not match emb_size %d", fileDim, dim)
	}

	table := make([][]float64, vocab+1)
	lineNo := 1
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != dim+1 {
			return nil, fmt.Errorf("%s:%d: expected %d fields, got %d", filename, lineNo, dim+1, len(fields))
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil || id < 0 || id > vocab {
			return nil, fmt.Errorf("%s:%d: invalid word id %q", filename, lineNo, fields[0])
		}
		row := make([]float64, dim)
		for d := 0; d < dim; d++ {
			if row[d], err = strconv.ParseFloat(fields[d+1], 64); err != nil {
				return nil, fmt.Errorf("%s:%d: %v", filename, lineNo, err)
			}
		}
		table[id] = row
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", filename, err)
	}

	return table, nil
}
