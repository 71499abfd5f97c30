package dam

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/dam/pkg/nn"
	"github.com/cnclabs/dam/pkg/reader"
)

// LogitClip bounds the logit and the per-example loss
const LogitClip = 10.0

// Config holds the architecture hyperparameters
type Config struct {
	MaxTurnNum  int `json:"max_turn_num"`
	MaxTurnLen  int `json:"max_turn_len"`
	VocabSize   int `json:"vocab_size"`
	EmbSize     int `json:"emb_size"`
	StackNum    int `json:"stack_num"`
	Channel1Num int `json:"channel1_num"`
	Channel2Num int `json:"channel2_num"`
}

// Validate checks that every dimension is usable
func (c Config) Validate() error {
	switch {
	case c.MaxTurnNum <= 0:
		return fmt.Errorf("max_turn_num must be positive")
	case c.MaxTurnLen <= 0:
		return fmt.Errorf("max_turn_len must be positive")
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive")
	case c.EmbSize <= 0:
		return fmt.Errorf("emb_size must be positive")
	case c.StackNum < 0:
		return fmt.Errorf("stack_num must not be negative")
	case c.Channel1Num <= 0 || c.Channel2Num <= 0:
		return fmt.Errorf("channel numbers must be positive")
	}
	return nil
}

// Net implements the Deep Attention Matching network
// Paper: "Multi-Turn Response Selection for Chatbots with Deep Attention Matching Network" (ACL 2018)
type Net struct {
	cfg    Config
	params *nn.ParamSet

	wordEmb *nn.Param // [vocab_size+1 x emb_size]

	responseStack []*block
	turnStack     []*block
	tAttendR      []*block // stack_num+1
	rAttendT      []*block // stack_num+1

	conv0, conv1 *nn.Conv3d
	pool         nn.MaxPool3d

	fcW, fcB *nn.Param
}

// New builds the network and initializes its parameters from rng
func New(cfg Config, rng *rand.Rand) (*Net, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ps := nn.NewParamSet()
	n := &Net{cfg: cfg, params: ps}

	n.wordEmb = nn.NewParam("word_embedding", cfg.VocabSize+1, cfg.EmbSize)
	n.wordEmb.Sparse = true
	ps.Add(n.wordEmb)

	for i := 0; i < cfg.StackNum; i++ {
		n.responseStack = append(n.responseStack, newBlock(ps, fmt.Sprintf("response_self_stack%d", i), cfg.EmbSize))
	}
	for i := 0; i < cfg.StackNum; i++ {
		n.turnStack = append(n.turnStack, newBlock(ps, fmt.Sprintf("turn_self_stack%d", i), cfg.EmbSize))
	}
	for i := 0; i <= cfg.StackNum; i++ {
		n.tAttendR = append(n.tAttendR, newBlock(ps, fmt.Sprintf("t_attend_r_%d", i), cfg.EmbSize))
		n.rAttendT = append(n.rAttendT, newBlock(ps, fmt.Sprintf("r_attend_t_%d", i), cfg.EmbSize))
	}

	n.conv0 = nn.NewConv3d(ps, "conv3d_0", n.simChannels(), cfg.Channel1Num)
	n.conv1 = nn.NewConv3d(ps, "conv3d_1", cfg.Channel1Num, cfg.Channel2Num)

	featDim := n.FeatureDim()
	n.fcW = ps.Add(nn.NewParam("fc.w", featDim, 1))
	n.fcB = ps.Add(nn.NewParam("fc.b", 1))

	n.init(rng)
	return n, nil
}

func (n *Net) init(rng *rand.Rand) {
	n.wordEmb.XavierUniform(n.cfg.VocabSize+1, n.cfg.EmbSize, rng)
	for _, blocks := range [][]*block{n.responseStack, n.turnStack, n.tAttendR, n.rAttendT} {
		for _, b := range blocks {
			b.init(rng)
		}
	}
	for _, cv := range []*nn.Conv3d{n.conv0, n.conv1} {
		cv.W.Uniform(-0.01, 0.01, rng)
		cv.B.Constant(0)
	}
	n.fcW.XavierUniform(n.FeatureDim(), 1, rng)
	n.fcB.Constant(0)
}

// Config returns the architecture hyperparameters
func (n *Net) Config() Config {
	return n.cfg
}

// Params returns every trainable parameter
func (n *Net) Params() *nn.ParamSet {
	return n.params
}

// simChannels is the number of similarity matrices per turn
func (n *Net) simChannels() int {
	return 2 * (n.cfg.StackNum + 1)
}

func pooled(x int) int {
	return (x-1)/3 + 1
}

// FeatureDim is the size of the flattened 3D CNN output
func (n *Net) FeatureDim() int {
	d := pooled(pooled(n.cfg.MaxTurnNum))
	l := pooled(pooled(n.cfg.MaxTurnLen))
	return n.cfg.Channel2Num * d * l * l
}

// PrintSetting prints the architecture the way the training driver reports it
func (n *Net) PrintSetting() {
	fmt.Println("Model Setting:")
	fmt.Printf("\tmax_turn_num:\t\t%d\n", n.cfg.MaxTurnNum)
	fmt.Printf("\tmax_turn_len:\t\t%d\n", n.cfg.MaxTurnLen)
	fmt.Printf("\tvocab_size:\t\t%d\n", n.cfg.VocabSize)
	fmt.Printf("\temb_size:\t\t%d\n", n.cfg.EmbSize)
	fmt.Printf("\tstack_num:\t\t%d\n", n.cfg.StackNum)
	fmt.Printf("\tchannel1_num:\t\t%d\n", n.cfg.Channel1Num)
	fmt.Printf("\tchannel2_num:\t\t%d\n", n.cfg.Channel2Num)
	fmt.Printf("\tparameters:\t\t%d\n", n.params.Count())
}

// SetWordEmbedding overwrites the embedding rows present in table
func (n *Net) SetWordEmbedding(table [][]float64) error {
	if len(table) > n.wordEmb.Rows() {
		return fmt.Errorf("embedding table has %d rows, vocabulary holds %d", len(table), n.wordEmb.Rows())
	}
	loaded := 0
	for id, row := range table {
		if row == nil {
			continue
		}
		if len(row) != n.cfg.EmbSize {
			return fmt.Errorf("embedding row %d has dimension %d, want %d", id, len(row), n.cfg.EmbSize)
		}
		copy(n.wordEmb.Row(id), row)
		loaded++
	}
	fmt.Printf("\tloaded %d word vectors\n", loaded)
	return nil
}

// embed looks up the embedding rows of ids
func (n *Net) embed(ids []int) *mat.Dense {
	m := mat.NewDense(len(ids), n.cfg.EmbSize, nil)
	for i, id := range ids {
		if id < 0 || id > n.cfg.VocabSize {
			// out-of-vocabulary ids map to the padding row
			id = 0
		}
		copy(m.RawRowView(i), n.wordEmb.Row(id))
	}
	return m
}

func (n *Net) embedBackward(ids []int, d *mat.Dense, grads *nn.GradSet) {
	g := grads.Of(n.wordEmb)
	for i, id := range ids {
		if id < 0 || id > n.cfg.VocabSize {
			id = 0
		}
		floats.Add(g.Row(id), d.RawRowView(i))
	}
}

// turnTrace holds one turn's activations
type turnTrace struct {
	hu       []*mat.Dense // stack_num+1 representations
	huCache  []*blockCache
	tar, rat []*mat.Dense // stack_num+1 cross attended representations
	tarCache []*blockCache
	ratCache []*blockCache
	len      int
}

// trace holds every activation of one example needed by the backward pass
type trace struct {
	hr      []*mat.Dense
	hrCache []*blockCache
	turns   []*turnTrace

	conv0Cache, conv1Cache *nn.Conv3dCache
	act0, act1             *nn.Volume
	pool0Cache, pool1Cache *nn.PoolCache
	feature                *nn.Volume

	rawLogit float64
}

// forward runs the network on one example; caches are kept when keep is set
func (n *Net) forward(ex *reader.Example, keep bool) (float64, *trace) {
	S := n.cfg.StackNum
	L := n.cfg.MaxTurnLen
	tr := &trace{}

	// response self stack
	rLen := ex.ResponseLen
	hr := n.embed(ex.Response)
	tr.hr = append(tr.hr, hr)
	for i := 0; i < S; i++ {
		next, cache := n.responseStack[i].forward(hr, hr, rLen, rLen, keep)
		tr.hr = append(tr.hr, next)
		tr.hrCache = append(tr.hrCache, cache)
		hr = next
	}

	sim := nn.NewVolume(n.simChannels(), n.cfg.MaxTurnNum, L, L)
	scale := 1 / math.Sqrt(float64(n.cfg.EmbSize))

	for t := 0; t < n.cfg.MaxTurnNum; t++ {
		tt := &turnTrace{len: ex.TurnLens[t]}
		hu := n.embed(ex.Turns[t])
		tt.hu = append(tt.hu, hu)
		for i := 0; i < S; i++ {
			next, cache := n.turnStack[i].forward(hu, hu, tt.len, tt.len, keep)
			tt.hu = append(tt.hu, next)
			tt.huCache = append(tt.huCache, cache)
			hu = next
		}

		for i := 0; i <= S; i++ {
			tar, tarCache := n.tAttendR[i].forward(tt.hu[i], tr.hr[i], tt.len, rLen, keep)
			rat, ratCache := n.rAttendT[i].forward(tr.hr[i], tt.hu[i], rLen, tt.len, keep)
			tt.tar = append(tt.tar, tar)
			tt.rat = append(tt.rat, rat)
			tt.tarCache = append(tt.tarCache, tarCache)
			tt.ratCache = append(tt.ratCache, ratCache)
		}

		for c := 0; c < n.simChannels(); c++ {
			a, b := tt.simPair(c, tr.hr, S)
			var m mat.Dense
			m.Mul(a, b.T())
			dst := sim.Data[sim.Index(c, t, 0, 0) : sim.Index(c, t, 0, 0)+L*L]
			raw := m.RawMatrix()
			for i := 0; i < L; i++ {
				for j := 0; j < L; j++ {
					dst[i*L+j] = raw.Data[i*raw.Stride+j] * scale
				}
			}
		}

		if keep {
			tr.turns = append(tr.turns, tt)
		}
	}

	// 3D CNN
	act0, conv0Cache := n.conv0.Forward(sim)
	nn.ELU(act0)
	pool0, pool0Cache := n.pool.Forward(act0)
	act1, conv1Cache := n.conv1.Forward(pool0)
	nn.ELU(act1)
	feature, pool1Cache := n.pool.Forward(act1)

	logit := floats.Dot(feature.Data, n.fcW.Data) + n.fcB.Data[0]
	tr.rawLogit = logit

	if keep {
		tr.conv0Cache, tr.conv1Cache = conv0Cache, conv1Cache
		tr.act0, tr.act1 = act0, act1
		tr.pool0Cache, tr.pool1Cache = pool0Cache, pool1Cache
		tr.feature = feature
	}
	return nn.Clip(logit, -LogitClip, LogitClip), tr
}

// simPair returns the matrices whose product forms similarity channel c:
// channels 0..S pair cross attended turns with cross attended responses,
// channels S+1..2S+1 pair the self stacks.
func (tt *turnTrace) simPair(c int, hr []*mat.Dense, S int) (*mat.Dense, *mat.Dense) {
	if c <= S {
		return tt.tar[c], tt.rat[c]
	}
	return tt.hu[c-S-1], hr[c-S-1]
}

// Forward returns the clipped matching logit of one example
func (n *Net) Forward(ex *reader.Example) float64 {
	logit, _ := n.forward(ex, false)
	return logit
}

// LossAndGrad runs forward and backward on one example.
// Gradients of scale*loss are accumulated into grads; the unscaled loss and the clipped logit are returned.
func (n *Net) LossAndGrad(ex *reader.Example, grads *nn.GradSet, scale float64) (float64, float64) {
	logit, tr := n.forward(ex, true)

	rawLoss := nn.SigmoidCrossEntropy(logit, ex.Label)
	loss := nn.Clip(rawLoss, -LogitClip, LogitClip)

	// clip ops pass gradients only strictly inside their range
	if tr.rawLogit <= -LogitClip || tr.rawLogit >= LogitClip || rawLoss >= LogitClip {
		return loss, logit
	}
	dLogit := scale * (nn.Sigmoid(logit) - ex.Label)

	n.backward(ex, tr, dLogit, grads)
	return loss, logit
}

func (n *Net) backward(ex *reader.Example, tr *trace, dLogit float64, grads *nn.GradSet) {
	S := n.cfg.StackNum
	L := n.cfg.MaxTurnLen

	// fc
	floats.AddScaled(grads.Of(n.fcW).Dense, dLogit, tr.feature.Data)
	grads.Of(n.fcB).Dense[0] += dLogit
	dFeature := nn.NewVolume(tr.feature.C, tr.feature.D, tr.feature.H, tr.feature.W)
	floats.AddScaled(dFeature.Data, dLogit, n.fcW.Data)

	// 3D CNN
	dAct1 := n.pool.Backward(tr.pool1Cache, dFeature)
	nn.ELUBackward(dAct1, tr.act1)
	dPool0 := n.conv1.Backward(tr.conv1Cache, dAct1, grads)
	dAct0 := n.pool.Backward(tr.pool0Cache, dPool0)
	nn.ELUBackward(dAct0, tr.act0)
	dSim := n.conv0.Backward(tr.conv0Cache, dAct0, grads)

	scale := 1 / math.Sqrt(float64(n.cfg.EmbSize))
	dHr := make([]*mat.Dense, S+1)
	for i := range dHr {
		dHr[i] = mat.NewDense(L, n.cfg.EmbSize, nil)
	}
	for t, tt := range tr.turns {
		dHu := make([]*mat.Dense, S+1)
		dTar := make([]*mat.Dense, S+1)
		dRat := make([]*mat.Dense, S+1)
		for i := 0; i <= S; i++ {
			dHu[i] = mat.NewDense(L, n.cfg.EmbSize, nil)
			dTar[i] = mat.NewDense(L, n.cfg.EmbSize, nil)
			dRat[i] = mat.NewDense(L, n.cfg.EmbSize, nil)
		}

		// similarity cube
		for c := 0; c < n.simChannels(); c++ {
			off := dSim.Index(c, t, 0, 0)
			dM := mat.NewDense(L, L, append([]float64(nil), dSim.Data[off:off+L*L]...))
			dM.Scale(scale, dM)

			a, b := tt.simPair(c, tr.hr, S)
			var da, db mat.Dense
			da.Mul(dM, b)
			db.Mul(dM.T(), a)

			if c <= S {
				dTar[c].Add(dTar[c], &da)
				dRat[c].Add(dRat[c], &db)
			} else {
				dHu[c-S-1].Add(dHu[c-S-1], &da)
				dHr[c-S-1].Add(dHr[c-S-1], &db)
			}
		}

		// cross attention
		for i := 0; i <= S; i++ {
			dq, dk := n.tAttendR[i].backward(tt.tarCache[i], dTar[i], grads)
			dHu[i].Add(dHu[i], dq)
			dHr[i].Add(dHr[i], dk)

			dq, dk = n.rAttendT[i].backward(tt.ratCache[i], dRat[i], grads)
			dHr[i].Add(dHr[i], dq)
			dHu[i].Add(dHu[i], dk)
		}

		// turn self stack
		for i := S - 1; i >= 0; i-- {
			dq, dk := n.turnStack[i].backward(tt.huCache[i], dHu[i+1], grads)
			dHu[i].Add(dHu[i], dq)
			dHu[i].Add(dHu[i], dk)
		}
		n.embedBackward(ex.Turns[t], dHu[0], grads)
	}

	// response self stack
	for i := S - 1; i >= 0; i-- {
		dq, dk := n.responseStack[i].backward(tr.hrCache[i], dHr[i+1], grads)
		dHr[i].Add(dHr[i], dq)
		dHr[i].Add(dHr[i], dk)
	}
	n.embedBackward(ex.Response, dHr[0], grads)
}
