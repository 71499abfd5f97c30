package reader

import (
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplitContext(t *testing.T) {
	t.Parallel()
	const eos = 9
	tests := []struct {
		name string
		in   []int
		want [][]int
	}{
		{"two turns trailing eos", []int{1, 2, eos, 3, eos}, [][]int{{1, 2}, {3}}},
		{"no trailing eos", []int{1, eos, 2}, [][]int{{1}, {2}}},
		{"empty middle turn", []int{1, eos, eos, 2}, [][]int{{1}, {}, {2}}},
		{"only eos", []int{eos}, [][]int{{}}},
		{"empty", nil, [][]int{{}}},
	}
	for _, tt := range tests {
		got := SplitContext(tt.in, eos)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: SplitContext(%v) = %v, want %v", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestNormalizeLength(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      []int
		length  int
		cut     string
		want    []int
		wantLen int
	}{
		{[]int{1, 2, 3}, 5, CutTail, []int{1, 2, 3, 0, 0}, 3},
		{[]int{1, 2, 3, 4}, 2, CutTail, []int{3, 4}, 2},
		{[]int{1, 2, 3, 4}, 2, CutHead, []int{1, 2}, 2},
		{[]int{1, 2}, 2, CutTail, []int{1, 2}, 2},
		{nil, 3, CutTail, []int{0, 0, 0}, 0},
	}
	for _, tt := range tests {
		got, n := NormalizeLength(tt.in, tt.length, tt.cut)
		if !reflect.DeepEqual(got, tt.want) || n != tt.wantLen {
			t.Errorf("NormalizeLength(%v, %d, %s) = %v, %d; want %v, %d", tt.in, tt.length, tt.cut, got, n, tt.want, tt.wantLen)
		}
	}
}

func TestNormalizeLengthDoesNotAlias(t *testing.T) {
	t.Parallel()
	in := []int{1, 2}
	out, _ := NormalizeLength(in, 2, CutTail)
	out[0] = 7
	if in[0] != 1 {
		t.Error("NormalizeLength output shares memory with its input")
	}
}

func TestProduceOneSample(t *testing.T) {
	t.Parallel()
	data := &Dataset{
		Y: []int{1},
		C: [][]int{{1, 9, 2, 3, 9, 4, 5, 6, 7}},
		R: [][]int{{8}},
	}
	conf := Conf{BatchSize: 1, MaxTurnNum: 2, MaxTurnLen: 3, EOS: 9}

	s := ProduceOneSample(data, 0, conf)

	wantTurns := [][]int{{2, 3, 0}, {5, 6, 7}}
	if !reflect.DeepEqual(s.Turns, wantTurns) {
		t.Errorf("turns = %v, want %v", s.Turns, wantTurns)
	}
	if !reflect.DeepEqual(s.TurnLens, []int{2, 3}) {
		t.Errorf("turn lens = %v, want [2 3]", s.TurnLens)
	}
	if s.TurnNum != 2 {
		t.Errorf("turn num = %d, want 2", s.TurnNum)
	}
	if !reflect.DeepEqual(s.Response, []int{8, 0, 0}) || s.ResponseLen != 1 {
		t.Errorf("response = %v (%d), want [8 0 0] (1)", s.Response, s.ResponseLen)
	}
	if s.Label != 1 {
		t.Errorf("label = %d, want 1", s.Label)
	}
}

func TestProduceOneSamplePadsTurns(t *testing.T) {
	t.Parallel()
	data := &Dataset{Y: []int{0}, C: [][]int{{4, 5}}, R: [][]int{{6, 7}}}
	conf := Conf{BatchSize: 1, MaxTurnNum: 3, MaxTurnLen: 2, EOS: 9}

	s := ProduceOneSample(data, 0, conf)

	wantTurns := [][]int{{4, 5}, {0, 0}, {0, 0}}
	if !reflect.DeepEqual(s.Turns, wantTurns) {
		t.Errorf("turns = %v, want %v", s.Turns, wantTurns)
	}
	if !reflect.DeepEqual(s.TurnLens, []int{2, 0, 0}) || s.TurnNum != 1 {
		t.Errorf("turn lens = %v (%d turns), want [2 0 0] (1)", s.TurnLens, s.TurnNum)
	}
}

func makeDataset(n int) *Dataset {
	data := &Dataset{}
	for i := 0; i < n; i++ {
		data.Y = append(data.Y, i)
		data.C = append(data.C, []int{i})
		data.R = append(data.R, []int{i + 100})
	}
	return data
}

func TestUnisonShuffle(t *testing.T) {
	t.Parallel()
	data := makeDataset(50)

	a := UnisonShuffle(data, rand.New(rand.NewSource(3)))
	b := UnisonShuffle(data, rand.New(rand.NewSource(3)))
	if !reflect.DeepEqual(a, b) {
		t.Error("shuffle with the same seed is not deterministic")
	}

	seen := make(map[int]bool)
	for i := range a.Y {
		if a.C[i][0] != a.Y[i] || a.R[i][0] != a.Y[i]+100 {
			t.Fatalf("example %d lost alignment: y=%d c=%v r=%v", i, a.Y[i], a.C[i], a.R[i])
		}
		seen[a.Y[i]] = true
	}
	if len(seen) != 50 {
		t.Errorf("shuffle is not a permutation: %d distinct labels", len(seen))
	}
	for i := range data.Y {
		if data.Y[i] != i {
			t.Fatal("shuffle modified its input")
		}
	}
}

func TestBuildBatchesDropsRemainder(t *testing.T) {
	t.Parallel()
	data := makeDataset(5)
	conf := Conf{BatchSize: 2, MaxTurnNum: 1, MaxTurnLen: 1, EOS: -1}

	batches := BuildBatches(data, conf)
	if batches.Len() != 2 {
		t.Fatalf("got %d batches, want 2", batches.Len())
	}
	if got := []int{batches.Samples[1][0].Label, batches.Samples[1][1].Label}; !reflect.DeepEqual(got, []int{2, 3}) {
		t.Errorf("labels of batch 1 = %v, want [2 3]", got)
	}
}

func TestMakeOneBatchInput(t *testing.T) {
	t.Parallel()
	data := &Dataset{
		Y: []int{1, 0},
		C: [][]int{{1, 2, 9, 3}, {4}},
		R: [][]int{{5}, {6, 7, 8}},
	}
	conf := Conf{BatchSize: 2, MaxTurnNum: 2, MaxTurnLen: 3, EOS: 9}

	input := MakeOneBatchInput(BuildBatches(data, conf), 0)
	if input.Len() != 2 {
		t.Fatalf("batch size = %d, want 2", input.Len())
	}

	ex := input.Examples[0]
	if !reflect.DeepEqual(ex.Turns, [][]int{{1, 2, 0}, {3, 0, 0}}) || !reflect.DeepEqual(ex.TurnLens, []int{2, 1}) {
		t.Errorf("turns = %v (%v)", ex.Turns, ex.TurnLens)
	}
	if !reflect.DeepEqual(ex.Response, []int{5, 0, 0}) || ex.ResponseLen != 1 {
		t.Errorf("response = %v (%d)", ex.Response, ex.ResponseLen)
	}
	if ex.Label != 1 {
		t.Errorf("label = %v, want 1", ex.Label)
	}

	ex = input.Examples[1]
	if !reflect.DeepEqual(ex.TurnLens, []int{1, 0}) {
		t.Errorf("turn lens = %v, want [1 0]", ex.TurnLens)
	}
	if ex.ResponseLen != 3 || ex.Label != 0 {
		t.Errorf("response len = %d, label = %v", ex.ResponseLen, ex.Label)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadData(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "train.txt", "1\t1 2 9 3\t4 5\n0\t6\t7\n\n")
	writeFile(t, dir, "valid.txt", "1\t1\t2\n")

	splits, err := LoadData(dir)
	if err != nil {
		t.Fatalf("LoadData failed: %v", err)
	}
	if splits.Train.Len() != 2 || splits.Valid.Len() != 1 || splits.Test.Len() != 0 {
		t.Fatalf("sizes = %d/%d/%d, want 2/1/0", splits.Train.Len(), splits.Valid.Len(), splits.Test.Len())
	}
	if !reflect.DeepEqual(splits.Train.C[0], []int{1, 2, 9, 3}) || !reflect.DeepEqual(splits.Train.R[0], []int{4, 5}) {
		t.Errorf("first example = %v / %v", splits.Train.C[0], splits.Train.R[0])
	}
}

func TestLoadDatasetErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"fields", "1\t2\n"},
		{"label", "x\t1\t2\n"},
		{"ids", "1\t1 a\t2\n"},
	}
	for _, tt := range tests {
		path := writeFile(t, dir, tt.name+".txt", tt.content)
		if _, err := LoadDataset(path); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
	if _, err := LoadDataset(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoadEmbedding(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "emb.txt", "2 3\n1 0.1 0.2 0.3\n3 1 2 3\n")

	table, err := LoadEmbedding(path, 3, 3)
	if err != nil {
		t.Fatalf("LoadEmbedding failed: %v", err)
	}
	if len(table) != 4 {
		t.Fatalf("table has %d rows, want 4", len(table))
	}
	if table[0] != nil || table[2] != nil {
		t.Error("rows missing from the file should be nil")
	}
	if !reflect.DeepEqual(table[3], []float64{1, 2, 3}) {
		t.Errorf("row 3 = %v", table[3])
	}

	bad := writeFile(t, dir, "bad.txt", "1 3\n7 0 0 0\n")
	if _, err := LoadEmbedding(bad, 3, 3); err == nil {
		t.Error("expected an error for an out of range id")
	}
	if _, err := LoadEmbedding(path, 3, 4); err == nil {
		t.Error("expected an error for a dimension mismatch")
	}
}
