package dam

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/dam/pkg/nn"
)

// maskPenalty is added to attention logits whose query or key is padding
const maskPenalty = float64(1<<32 - 1)

// block is one attentive module: attention, residual + layer norm, FFN, residual + layer norm
type block struct {
	name string
	dKey int

	fc0W, fc0B *nn.Param
	fc1W, fc1B *nn.Param
	ln1G, ln1B *nn.Param
	ln2G, ln2B *nn.Param
}

type blockCache struct {
	query, key *mat.Dense
	qLen, kLen int

	attn   *mat.Dense // softmax weights
	y      *mat.Dense // after first layer norm
	hidden *mat.Dense // FFN hidden after ReLU

	ln1, ln2 *nn.LayerNormCache
}

func newBlock(ps *nn.ParamSet, name string, dim int) *block {
	return &block{
		name: name,
		dKey: dim,
		fc0W: ps.Add(nn.NewParam(name+"_fc.w_0", dim, dim)),
		fc0B: ps.Add(nn.NewParam(name+"_fc.b_0", dim)),
		fc1W: ps.Add(nn.NewParam(name+"_fc.w_1", dim, dim)),
		fc1B: ps.Add(nn.NewParam(name+"_fc.b_1", dim)),
		ln1G: ps.Add(nn.NewParam(name+"_layer_norm.w", dim)),
		ln1B: ps.Add(nn.NewParam(name+"_layer_norm.b", dim)),
		ln2G: ps.Add(nn.NewParam(name+"_layer_norm2.w", dim)),
		ln2B: ps.Add(nn.NewParam(name+"_layer_norm2.b", dim)),
	}
}

func (b *block) init(rng *rand.Rand) {
	b.fc0W.XavierUniform(b.dKey, b.dKey, rng)
	b.fc1W.XavierUniform(b.dKey, b.dKey, rng)
	b.fc0B.Constant(0)
	b.fc1B.Constant(0)
	b.ln1G.Constant(1)
	b.ln1B.Constant(0)
	b.ln2G.Constant(1)
	b.ln2B.Constant(0)
}

// maskLogits applies m*s + (m-1)*(2^32-1) with m = q_mask k_mask^T for prefix masks
func maskLogits(s *mat.Dense, qLen, kLen int) {
	r, c := s.Dims()
	for i := 0; i < r; i++ {
		row := s.RawRowView(i)
		for j := 0; j < c; j++ {
			if i >= qLen || j >= kLen {
				row[j] = -maskPenalty
			}
		}
	}
}

// maskGrad zeroes logit gradients at masked positions
func maskGrad(ds *mat.Dense, qLen, kLen int) {
	r, c := ds.Dims()
	for i := 0; i < r; i++ {
		row := ds.RawRowView(i)
		for j := 0; j < c; j++ {
			if i >= qLen || j >= kLen {
				row[j] = 0
			}
		}
	}
}

// forward attends query over key (key doubles as value).
// The cache is only built when keep is set.
func (b *block) forward(query, key *mat.Dense, qLen, kLen int, keep bool) (*mat.Dense, *blockCache) {
	scale := 1 / math.Sqrt(float64(b.dKey))

	var logits mat.Dense
	logits.Mul(query, key.T())
	logits.Scale(scale, &logits)
	maskLogits(&logits, qLen, kLen)
	nn.SoftmaxRows(&logits)

	var att mat.Dense
	att.Mul(&logits, key)
	att.Add(&att, query)

	y, ln1 := nn.LayerNorm(&att, b.ln1G.Data, b.ln1B.Data)

	hidden := nn.Linear(y, b.fc0W, b.fc0B)
	nn.ReLU(hidden)
	z := nn.Linear(hidden, b.fc1W, b.fc1B)
	z.Add(z, y)

	out, ln2 := nn.LayerNorm(z, b.ln2G.Data, b.ln2B.Data)

	if !keep {
		return out, nil
	}
	return out, &blockCache{
		query:  query,
		key:    key,
		qLen:   qLen,
		kLen:   kLen,
		attn:   &logits,
		y:      y,
		hidden: hidden,
		ln1:    ln1,
		ln2:    ln2,
	}
}

// backward accumulates parameter gradients and returns dL/dquery and dL/dkey
func (b *block) backward(c *blockCache, dOut *mat.Dense, grads *nn.GradSet) (*mat.Dense, *mat.Dense) {
	dz := nn.LayerNormBackward(c.ln2, b.ln2G.Data, dOut, grads.Of(b.ln2G).Dense, grads.Of(b.ln2B).Dense)

	dHidden := nn.LinearBackward(c.hidden, b.fc1W, b.fc1B, dz, grads)
	nn.ReLUBackward(dHidden, c.hidden)
	dy := nn.LinearBackward(c.y, b.fc0W, b.fc0B, dHidden, grads)
	dy.Add(dy, dz)

	dAtt := nn.LayerNormBackward(c.ln1, b.ln1G.Data, dy, grads.Of(b.ln1G).Dense, grads.Of(b.ln1B).Dense)

	// residual
	dQuery := mat.DenseCopyOf(dAtt)

	// att = attn * key
	var dAttn mat.Dense
	dAttn.Mul(dAtt, c.key.T())
	dKey := new(mat.Dense)
	dKey.Mul(c.attn.T(), dAtt)

	dLogits := nn.SoftmaxRowsBackward(c.attn, &dAttn)
	maskGrad(dLogits, c.qLen, c.kLen)
	dLogits.Scale(1/math.Sqrt(float64(b.dKey)), dLogits)

	var dq, dk mat.Dense
	dq.Mul(dLogits, c.key)
	dQuery.Add(dQuery, &dq)
	dk.Mul(dLogits.T(), c.query)
	dKey.Add(dKey, &dk)

	return dQuery, dKey
}
