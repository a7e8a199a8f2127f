// Package rnn implements the enriched recurrent classifier: a token
// embedding feeding an Elman recurrent layer, whose last state is combined
// with a sparse feature vector to predict a binary label.
package rnn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrDimension is returned when inputs do not match the model shape.
var ErrDimension = errors.New("dimension mismatch")

// Config fixes the architecture of a model.
type Config struct {
	// SparseSize is the width of the sparse feature vector.
	SparseSize int

	// VocabSize is the largest token id. Id 0 is padding.
	VocabSize int

	// MaxLength is the width of the token sequence matrix.
	MaxLength int

	EmbeddingSize int
	HiddenSize    int

	EmbeddingDropout float64
	RecurrentDropout float64

	// Seed drives weight initialization, dropout masks and shuffling.
	Seed int64
}

func (c Config) validate() error {
	switch {
	case c.SparseSize < 0, c.VocabSize < 1, c.MaxLength < 1:
		return errors.Wrapf(ErrDimension, "input shape sparse=%d vocab=%d length=%d", c.SparseSize, c.VocabSize, c.MaxLength)
	case c.EmbeddingSize < 1, c.HiddenSize < 1:
		return errors.Wrapf(ErrDimension, "layer sizes embedding=%d hidden=%d", c.EmbeddingSize, c.HiddenSize)
	case c.EmbeddingDropout < 0, c.EmbeddingDropout >= 1, c.RecurrentDropout < 0, c.RecurrentDropout >= 1:
		return errors.Errorf("dropout rates must be in [0, 1), got %v and %v", c.EmbeddingDropout, c.RecurrentDropout)
	}

	return nil
}

// layout holds the offsets of every weight block in the flat parameter
// vector.
type layout struct {
	emb, wx, wh, bh, wo, ws, bo, size int
}

func newLayout(c Config) layout {
	var l layout

	off := 0
	next := func(n int) int {
		at := off
		off += n
		return at
	}

	e, h := c.EmbeddingSize, c.HiddenSize

	l.emb = next((c.VocabSize + 1) * e)
	l.wx = next(h * e)
	l.wh = next(h * h)
	l.bh = next(h)
	l.wo = next(h)
	l.ws = next(c.SparseSize)
	l.bo = next(1)
	l.size = off

	return l
}

// weights are views into a flat vector shaped by a layout. Both the model
// parameters and their gradients use it.
type weights struct {
	all []float64
	emb []float64 // (vocab+1) x embedding
	wx  []float64 // hidden x embedding
	wh  []float64 // hidden x hidden
	bh  []float64
	wo  []float64
	ws  []float64
	bo  []float64
}

func viewWeights(l layout, all []float64) weights {
	return weights{
		all: all,
		emb: all[l.emb:l.wx],
		wx:  all[l.wx:l.wh],
		wh:  all[l.wh:l.bh],
		bh:  all[l.bh:l.wo],
		wo:  all[l.wo:l.ws],
		ws:  all[l.ws:l.bo],
		bo:  all[l.bo:l.size],
	}
}

// Model is a trainable classifier. It is not safe for concurrent use.
type Model struct {
	cfg    Config
	layout layout
	w      weights
	rng    *rand.Rand
}

// New builds a model with freshly initialized weights.
func New(cfg Config) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := newModel(cfg)
	m.init()

	return m, nil
}

func newModel(cfg Config) *Model {
	l := newLayout(cfg)

	return &Model{
		cfg:    cfg,
		layout: l,
		w:      viewWeights(l, make([]float64, l.size)),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Config returns the architecture of the model.
func (m *Model) Config() Config {
	return m.cfg
}

// NumParams is the number of trainable scalars.
func (m *Model) NumParams() int {
	return m.layout.size
}

// init follows the usual Keras defaults: uniform(-0.05, 0.05) embeddings,
// Glorot uniform kernels, zero biases.
func (m *Model) init() {
	e, h := m.cfg.EmbeddingSize, m.cfg.HiddenSize

	uniform(m.rng, m.w.emb, 0.05)
	uniform(m.rng, m.w.wx, math.Sqrt(6/float64(e+h)))
	uniform(m.rng, m.w.wh, math.Sqrt(6/float64(h+h)))
	uniform(m.rng, m.w.wo, math.Sqrt(6/float64(h+1)))

	if m.cfg.SparseSize > 0 {
		uniform(m.rng, m.w.ws, math.Sqrt(6/float64(m.cfg.SparseSize+1)))
	}
}

func uniform(rng *rand.Rand, dst []float64, limit float64) {
	for i := range dst {
		dst[i] = (2*rng.Float64() - 1) * limit
	}
}

// trace keeps what the backward pass needs from one forward pass.
type trace struct {
	tokens  []int32
	emb     [][]float64 // embeddings after dropout, one per step
	embMask [][]float64 // nil when no embedding dropout
	hidden  [][]float64 // hidden[0] is the zero state
	recMask []float64   // nil when no recurrent dropout
	sparseI []int32
	sparseV []float64
	logit   float64
}

// forward runs one sequence. With train set, dropout masks are drawn.
func (m *Model) forward(tokens []int32, sparseIdx []int32, sparseVal []float64, train bool) (*trace, error) {
	e, h := m.cfg.EmbeddingSize, m.cfg.HiddenSize

	tr := &trace{sparseI: sparseIdx, sparseV: sparseVal}

	for _, tok := range tokens {
		if tok == 0 {
			continue
		}

		if tok < 0 || int(tok) > m.cfg.VocabSize {
			return nil, errors.Wrapf(ErrDimension, "token id %d outside vocabulary of %d", tok, m.cfg.VocabSize)
		}

		tr.tokens = append(tr.tokens, tok)
	}

	if train && m.cfg.RecurrentDropout > 0 {
		tr.recMask = dropoutMask(m.rng, h, m.cfg.RecurrentDropout)
	}

	tr.hidden = make([][]float64, len(tr.tokens)+1)
	tr.hidden[0] = make([]float64, h)
	tr.emb = make([][]float64, len(tr.tokens))

	if train && m.cfg.EmbeddingDropout > 0 {
		tr.embMask = make([][]float64, len(tr.tokens))
	}

	prev := make([]float64, h)

	for t, tok := range tr.tokens {
		x := make([]float64, e)
		copy(x, m.w.emb[int(tok)*e:(int(tok)+1)*e])

		if tr.embMask != nil {
			tr.embMask[t] = dropoutMask(m.rng, e, m.cfg.EmbeddingDropout)
			floats.Mul(x, tr.embMask[t])
		}

		tr.emb[t] = x

		copy(prev, tr.hidden[t])
		if tr.recMask != nil {
			floats.Mul(prev, tr.recMask)
		}

		next := make([]float64, h)
		for j := 0; j < h; j++ {
			a := m.w.bh[j] + floats.Dot(m.w.wx[j*e:(j+1)*e], x) + floats.Dot(m.w.wh[j*h:(j+1)*h], prev)
			next[j] = math.Tanh(a)
		}

		tr.hidden[t+1] = next
	}

	last := tr.hidden[len(tr.tokens)]
	z := m.w.bo[0] + floats.Dot(m.w.wo, last)

	for k, j := range sparseIdx {
		if j < 0 || int(j) >= m.cfg.SparseSize {
			return nil, errors.Wrapf(ErrDimension, "sparse column %d outside width %d", j, m.cfg.SparseSize)
		}

		z += m.w.ws[j] * sparseVal[k]
	}

	tr.logit = z

	return tr, nil
}

// backward accumulates into g the gradient of scale·loss(y) for the
// sequence recorded in tr.
func (m *Model) backward(tr *trace, y float64, g weights, scale float64) {
	e, h := m.cfg.EmbeddingSize, m.cfg.HiddenSize

	dz := (sigmoid(tr.logit) - y) * scale

	last := tr.hidden[len(tr.tokens)]
	floats.AddScaled(g.wo, dz, last)
	g.bo[0] += dz

	for k, j := range tr.sparseI {
		g.ws[j] += dz * tr.sparseV[k]
	}

	dh := make([]float64, h)
	floats.AddScaled(dh, dz, m.w.wo)

	da := make([]float64, h)
	prev := make([]float64, h)
	dprev := make([]float64, h)
	dx := make([]float64, e)

	for t := len(tr.tokens) - 1; t >= 0; t-- {
		cur := tr.hidden[t+1]

		for j := 0; j < h; j++ {
			da[j] = dh[j] * (1 - cur[j]*cur[j])
		}

		copy(prev, tr.hidden[t])
		if tr.recMask != nil {
			floats.Mul(prev, tr.recMask)
		}

		floats.Add(g.bh, da)

		for i := range dx {
			dx[i] = 0
		}
		for i := range dprev {
			dprev[i] = 0
		}

		for j := 0; j < h; j++ {
			if da[j] == 0 {
				continue
			}

			floats.AddScaled(g.wx[j*e:(j+1)*e], da[j], tr.emb[t])
			floats.AddScaled(g.wh[j*h:(j+1)*h], da[j], prev)
			floats.AddScaled(dx, da[j], m.w.wx[j*e:(j+1)*e])
			floats.AddScaled(dprev, da[j], m.w.wh[j*h:(j+1)*h])
		}

		if tr.embMask != nil {
			floats.Mul(dx, tr.embMask[t])
		}

		tok := int(tr.tokens[t])
		floats.Add(g.emb[tok*e:(tok+1)*e], dx)

		if tr.recMask != nil {
			floats.Mul(dprev, tr.recMask)
		}

		copy(dh, dprev)
	}
}

// dropoutMask draws an inverted dropout mask: each entry is 0 with
// probability rate and 1/(1-rate) otherwise.
func dropoutMask(rng *rand.Rand, n int, rate float64) []float64 {
	mask := make([]float64, n)
	keep := 1 / (1 - rate)

	for i := range mask {
		if rng.Float64() >= rate {
			mask[i] = keep
		}
	}

	return mask
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}

	ez := math.Exp(z)

	return ez / (1 + ez)
}

// logLoss is the binary cross-entropy of sigmoid(z) against y, computed
// from the logit for stability.
func logLoss(z, y float64) float64 {
	return math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
}
