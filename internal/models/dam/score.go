package dam

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cnclabs/dam/pkg/evaluation"
	"github.com/cnclabs/dam/pkg/reader"
)

// Score runs inference over every batch with the given number of workers.
// The result is indexed like batches.Samples.
func (n *Net) Score(batches *reader.Batches, workers int) [][]float64 {
	if workers < 1 {
		workers = 1
	}

	scores := make([][]float64, batches.Len())
	type job struct{ b, i int }
	jobs := make(chan job, workers*4)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				ex := reader.MakeExample(&batches.Samples[j.b][j.i])
				scores[j.b][j.i] = n.Forward(&ex)
			}
		}()
	}

	for b := range batches.Samples {
		scores[b] = make([]float64, len(batches.Samples[b]))
		for i := range batches.Samples[b] {
			jobs <- job{b, i}
		}
	}
	close(jobs)
	wg.Wait()

	return scores
}

// WriteScores writes one "score\tlabel" line per example in batch order
func WriteScores(w io.Writer, batches *reader.Batches, scores [][]float64) error {
	bw := bufio.NewWriter(w)
	for b := range batches.Samples {
		for i, s := range batches.Samples[b] {
			if _, err := fmt.Fprintf(bw, "%s\t%d\n", strconv.FormatFloat(scores[b][i], 'g', -1, 64), s.Label); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteResult writes one metric per line
func WriteResult(filename string, metrics []float64) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create result file: %v", err)
	}
	defer file.Close()

	if err := writeMetrics(file, metrics); err != nil {
		return fmt.Errorf("failed to write result file: %v", err)
	}
	return file.Close()
}

func writeMetrics(w io.Writer, metrics []float64) error {
	bw := bufio.NewWriter(w)
	for _, m := range metrics {
		if _, err := fmt.Fprintln(bw, strconv.FormatFloat(m, 'g', -1, 64)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ScoreAndEvaluate scores batches into dir/score.<tag>, evaluates the file
// and writes the metrics to dir/result.<tag>
func (n *Net) ScoreAndEvaluate(batches *reader.Batches, dir, tag string, workers int, extEval bool) ([]float64, error) {
	scores := n.Score(batches, workers)

	scorePath := filepath.Join(dir, "score."+tag)
	file, err := os.Create(scorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create score file: %v", err)
	}
	if err := WriteScores(file, batches, scores); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write scores: %v", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close score file: %v", err)
	}

	var metrics []float64
	if extEval {
		metrics, err = evaluation.EvaluateDouban(scorePath)
	} else {
		metrics, err = evaluation.Evaluate(scorePath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %v", scorePath, err)
	}

	if err := WriteResult(filepath.Join(dir, "result."+tag), metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// PrintMetrics prints metrics next to their names
func PrintMetrics(metrics []float64, extEval bool) {
	names := evaluation.Names
	if extEval {
		names = evaluation.DoubanNames
	}
	for i, m := range metrics {
		if i < len(names) {
			fmt.Printf("\t%s:\t\t%.4f\n", names[i], m)
		}
	}
}
