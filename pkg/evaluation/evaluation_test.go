package evaluation

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeScores(t *testing.T, data []Scored) string {
	t.Helper()
	var sb strings.Builder
	for _, d := range data {
		fmt.Fprintf(&sb, "%v\t%v\n", d.Score, d.Label)
	}
	path := filepath.Join(t.TempDir(), "score")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func group(pos float64, negatives ...float64) []Scored {
	g := []Scored{{Score: pos, Label: 1}}
	for _, n := range negatives {
		g = append(g, Scored{Score: n, Label: 0})
	}
	return g
}

func assertClose(t *testing.T, name string, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d metrics, want %d", name, len(got), len(want))
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("%s[%d] = %v, want %v", name, i, got[i], want[i])
		}
	}
}

// best: the positive wins; second: two negatives outrank the positive
var (
	best   = group(0.9, 0.8, 0.7, 0.6, 0.5, 0.4, 0.3, 0.2, 0.1, 0.0)
	second = group(0.5, 0.9, 0.8, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1)
)

func TestEvaluate(t *testing.T) {
	t.Parallel()
	data := append(append([]Scored(nil), best...), second...)
	path := writeScores(t, data)

	metrics, err := Evaluate(path)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	assertClose(t, "metrics", metrics, []float64{0.5, 0.5, 0.5, 1})
}

func TestEvaluateTiesCountAsHits(t *testing.T) {
	t.Parallel()
	data := group(0.5, 0.5, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1)
	metrics, err := EvaluateScores(data)
	if err != nil {
		t.Fatalf("EvaluateScores failed: %v", err)
	}
	assertClose(t, "metrics", metrics, []float64{1, 1, 1, 1})
}

func TestEvaluateSkipsMalformedLines(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	sb.WriteString("garbage line\n")
	for _, d := range best {
		fmt.Fprintf(&sb, "%v\t%v\n", d.Score, d.Label)
	}
	path := filepath.Join(t.TempDir(), "score")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	metrics, err := Evaluate(path)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	assertClose(t, "metrics", metrics, []float64{1, 1, 1, 1})
}

func TestEvaluateErrors(t *testing.T) {
	t.Parallel()
	if _, err := EvaluateScores(best[:9]); err == nil {
		t.Error("expected an error for a partial group")
	}
	if _, err := EvaluateScores(nil); err == nil {
		t.Error("expected an error for no scores")
	}

	swapped := append([]Scored(nil), best...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	if _, err := EvaluateScores(swapped); err == nil {
		t.Error("expected an error when the positive is not first")
	}

	if _, err := Evaluate(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestEvaluateDouban(t *testing.T) {
	t.Parallel()
	noPositive := make([]Scored, GroupSize)
	data := append(append(append([]Scored(nil), best...), second...), noPositive...)
	path := writeScores(t, data)

	metrics, err := EvaluateDouban(path)
	if err != nil {
		t.Fatalf("EvaluateDouban failed: %v", err)
	}
	// second ranks its positive third
	assertClose(t, "metrics", metrics, []float64{
		(1 + 1.0/3) / 2, // MAP
		(1 + 1.0/3) / 2, // MRR
		0.5,             // P@1
		0.5,             // R10@1
		0.5,             // R10@2
		1,               // R10@5
	})
}

func TestEvaluateDoubanMultiplePositives(t *testing.T) {
	t.Parallel()
	session := []Scored{
		{0.9, 1}, {0.8, 0}, {0.7, 1}, {0.6, 0}, {0.5, 0},
		{0.4, 0}, {0.3, 0}, {0.2, 0}, {0.1, 0}, {0.0, 0},
	}
	metrics, err := EvaluateDoubanScores(session)
	if err != nil {
		t.Fatalf("EvaluateDoubanScores failed: %v", err)
	}
	assertClose(t, "metrics", metrics, []float64{
		(1 + 2.0/3) / 2,
		1,
		1,
		0.5,
		0.5,
		1,
	})
}

func TestEvaluateDoubanNoPositive(t *testing.T) {
	t.Parallel()
	if _, err := EvaluateDoubanScores(make([]Scored, GroupSize)); err == nil {
		t.Error("expected an error when no session has a positive")
	}
}

func TestEvaluateDoubanTiesRankPositivesFirst(t *testing.T) {
	t.Parallel()
	// clipped logits tie; the negative comes first in the file
	session := []Scored{
		{10, 0}, {10, 1}, {0.3, 0}, {0.2, 0}, {0.1, 0},
		{0.1, 0}, {0.1, 0}, {0.1, 0}, {0.1, 0}, {0.0, 0},
	}
	metrics, err := EvaluateDoubanScores(session)
	if err != nil {
		t.Fatalf("EvaluateDoubanScores failed: %v", err)
	}
	assertClose(t, "metrics", metrics, []float64{1, 1, 1, 1, 1, 1})
}
