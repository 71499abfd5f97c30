package evaluation

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// GroupSize is the number of candidate responses scored per context
const GroupSize = 10

// Scored is one "score\tlabel" line of a score file
type Scored struct {
	Score float64
	Label float64
}

// Names of the metrics returned by Evaluate
var Names = []string{"R2@1", "R10@1", "R10@2", "R10@5"}

// DoubanNames are the names of the metrics returned by EvaluateDouban
var DoubanNames = []string{"MAP", "MRR", "P@1", "R10@1", "R10@2", "R10@5"}

// ReadScores reads a score file; lines without exactly two fields are skipped
func ReadScores(filename string) ([]Scored, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open score file: %v", err)
	}
	defer file.Close()

	var data []Scored
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		tokens := strings.Split(strings.TrimSpace(scanner.Text()), "\t")
		if len(tokens) != 2 {
			continue
		}
		score, err := strconv.ParseFloat(tokens[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid score: %v", filename, lineNo, err)
		}
		label, err := strconv.ParseFloat(tokens[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid label: %v", filename, lineNo, err)
		}
		data = append(data, Scored{Score: score, Label: label})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", filename, err)
	}
	return data, nil
}

// Evaluate computes R2@1, R10@1, R10@2 and R10@5 of a score file
func Evaluate(filename string) ([]float64, error) {
	data, err := ReadScores(filename)
	if err != nil {
		return nil, err
	}
	return EvaluateScores(data)
}

// EvaluateScores computes R2@1, R10@1, R10@2 and R10@5.
// Every group of ten holds the positive response first.
func EvaluateScores(data []Scored) ([]float64, error) {
	if len(data) == 0 || len(data)%GroupSize != 0 {
		return nil, fmt.Errorf("score count %d is not a positive multiple of %d", len(data), GroupSize)
	}

	var p1in2, p1in10, p2in10, p5in10 float64
	groups := len(data) / GroupSize
	for i := 0; i < groups; i++ {
		ind := i * GroupSize
		if data[ind].Label != 1 {
			return nil, fmt.Errorf("group %d does not start with the positive response", i)
		}
		p1in2 += pAtNInM(data, 1, 2, ind)
		p1in10 += pAtNInM(data, 1, 10, ind)
		p2in10 += pAtNInM(data, 2, 10, ind)
		p5in10 += pAtNInM(data, 5, 10, ind)
	}

	n := float64(groups)
	return []float64{p1in2 / n, p1in10 / n, p2in10 / n, p5in10 / n}, nil
}

// pAtNInM is 1 when the positive at ind ranks within the top n of the m candidates starting at ind
func pAtNInM(data []Scored, n, m, ind int) float64 {
	pos := data[ind].Score
	scores := make([]float64, m)
	for i := 0; i < m; i++ {
		scores[i] = data[ind+i].Score
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	if scores[n-1] <= pos {
		return 1
	}
	return 0
}

// EvaluateDouban computes MAP, MRR, P@1, R10@1, R10@2 and R10@5 of a score file
func EvaluateDouban(filename string) ([]float64, error) {
	data, err := ReadScores(filename)
	if err != nil {
		return nil, err
	}
	return EvaluateDoubanScores(data)
}

// EvaluateDoubanScores computes the Douban metrics over consecutive groups of ten.
// Groups without a positive response are skipped; a trailing partial group is ignored.
func EvaluateDoubanScores(data []Scored) ([]float64, error) {
	sums := make([]float64, len(DoubanNames))
	total := 0
	for ind := 0; ind+GroupSize <= len(data); ind += GroupSize {
		session := append([]Scored(nil), data[ind:ind+GroupSize]...)
		// ties rank positives first
		sort.SliceStable(session, func(i, j int) bool {
			if session[i].Score != session[j].Score {
				return session[i].Score > session[j].Score
			}
			return session[i].Label > session[j].Label
		})

		positives := countPositives(session)
		if positives == 0 {
			continue
		}
		total++
		sums[0] += meanAveragePrecision(session)
		sums[1] += meanReciprocalRank(session)
		sums[2] += precisionAtPosition1(session)
		sums[3] += recallAtK(session, 1, positives)
		sums[4] += recallAtK(session, 2, positives)
		sums[5] += recallAtK(session, 5, positives)
	}
	if total == 0 {
		return nil, fmt.Errorf("no session with a positive response")
	}
	for i := range sums {
		sums[i] /= float64(total)
	}
	return sums, nil
}

func countPositives(session []Scored) int {
	n := 0
	for _, s := range session {
		if s.Label == 1 {
			n++
		}
	}
	return n
}

func meanAveragePrecision(session []Scored) float64 {
	count := 0
	sum := 0.0
	for i, s := range session {
		if s.Label == 1 {
			count++
			sum += float64(count) / float64(i+1)
		}
	}
	return sum / float64(count)
}

func meanReciprocalRank(session []Scored) float64 {
	for i, s := range session {
		if s.Label == 1 {
			return 1 / float64(i+1)
		}
	}
	return 0
}

func precisionAtPosition1(session []Scored) float64 {
	if session[0].Label == 1 {
		return 1
	}
	return 0
}

func recallAtK(session []Scored, k, positives int) float64 {
	hits := 0
	for _, s := range session[:k] {
		if s.Label == 1 {
			hits++
		}
	}
	return float64(hits) / float64(positives)
}
