package dataset

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npy"
	"github.com/sbinet/npyio/npz"
	"golang.org/x/exp/constraints"
)

// TokenMatrix is a fixed width, row-major matrix of token ids. Id 0 is
// padding.
type TokenMatrix struct {
	NumRows int
	NumCols int
	Data    []int32
}

// Rows is the number of sequences.
func (m *TokenMatrix) Rows() int { return m.NumRows }

// Cols is the sequence length.
func (m *TokenMatrix) Cols() int { return m.NumCols }

// Row returns sequence i without copying.
func (m *TokenMatrix) Row(i int) []int32 {
	return m.Data[i*m.NumCols : (i+1)*m.NumCols]
}

// CSR is a compressed sparse row matrix, the layout SciPy writes with
// save_npz for csr_matrix.
type CSR struct {
	NumRows int
	NumCols int
	Indptr  []int64
	Indices []int32
	Values  []float64
}

// Rows is the number of records.
func (m *CSR) Rows() int { return m.NumRows }

// Cols is the feature width.
func (m *CSR) Cols() int { return m.NumCols }

// Row returns the column indices and values stored for row i.
func (m *CSR) Row(i int) ([]int32, []float64) {
	lo, hi := m.Indptr[i], m.Indptr[i+1]
	return m.Indices[lo:hi], m.Values[lo:hi]
}

// LoadTokens reads a two dimensional C-ordered integer array from a .npy
// file.
func LoadTokens(path string) (*TokenMatrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open token sequences")
	}
	defer f.Close()

	r, err := npy.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read npy header %s", path)
	}

	shape := r.Header.Descr.Shape
	if len(shape) != 2 {
		return nil, errors.Errorf("token sequences %s: want a 2-d array, got shape %v", path, shape)
	}

	if r.Header.Descr.Fortran {
		return nil, errors.Errorf("token sequences %s: fortran order is not supported", path)
	}

	data, err := readNumeric[int32](r)
	if err != nil {
		return nil, errors.Wrapf(err, "read token sequences %s", path)
	}

	if len(data) != shape[0]*shape[1] {
		return nil, errors.Errorf("token sequences %s: %d values for shape %v", path, len(data), shape)
	}

	return &TokenMatrix{NumRows: shape[0], NumCols: shape[1], Data: data}, nil
}

// LoadCSR reads a SciPy sparse archive. Only the csr format is supported.
func LoadCSR(path string) (*CSR, error) {
	z, err := npz.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open sparse records")
	}
	defer z.Close()

	shape, err := readMember[int64](z, "shape.npy")
	if err != nil {
		return nil, errors.Wrapf(err, "sparse records %s", path)
	}

	if len(shape) != 2 {
		return nil, errors.Errorf("sparse records %s: want a 2-d shape, got %v", path, shape)
	}

	indptr, err := readMember[int64](z, "indptr.npy")
	if err != nil {
		return nil, errors.Wrapf(err, "sparse records %s", path)
	}

	indices, err := readMember[int32](z, "indices.npy")
	if err != nil {
		return nil, errors.Wrapf(err, "sparse records %s", path)
	}

	values, err := readMember[float64](z, "data.npy")
	if err != nil {
		return nil, errors.Wrapf(err, "sparse records %s", path)
	}

	m := &CSR{
		NumRows: int(shape[0]),
		NumCols: int(shape[1]),
		Indptr:  indptr,
		Indices: indices,
		Values:  values,
	}

	if len(indptr) != m.NumRows+1 {
		return nil, errors.Errorf("sparse records %s: indptr has %d entries for %d rows, not a csr archive", path, len(indptr), m.NumRows)
	}

	if len(indices) != len(values) || indptr[m.NumRows] != int64(len(values)) {
		return nil, errors.Errorf("sparse records %s: inconsistent csr arrays", path)
	}

	return m, nil
}

func readMember[T constraints.Integer | constraints.Float](z *npz.Reader, name string) ([]T, error) {
	if !hasKey(z, name) {
		return nil, errors.Errorf("missing member %s", name)
	}

	rc, err := z.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open member %s", name)
	}
	defer rc.Close()

	r, err := npy.NewReader(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read npy header of %s", name)
	}

	out, err := readNumeric[T](r)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}

	return out, nil
}

func hasKey(z *npz.Reader, name string) bool {
	for _, k := range z.Keys() {
		if k == name {
			return true
		}
	}

	return false
}

// readNumeric reads the whole array in its stored dtype and converts it to T.
func readNumeric[T constraints.Integer | constraints.Float](r *npy.Reader) ([]T, error) {
	descr := r.Header.Descr.Type
	if len(descr) < 2 {
		return nil, errors.Errorf("unsupported dtype %q", descr)
	}

	switch descr[0] {
	case '<', '|', '=':
		descr = descr[1:]
	case '>':
		return nil, errors.Errorf("big endian dtype %q is not supported", r.Header.Descr.Type)
	}

	switch descr {
	case "i1":
		return convert[int8, T](r)
	case "i2":
		return convert[int16, T](r)
	case "i4":
		return convert[int32, T](r)
	case "i8":
		return convert[int64, T](r)
	case "u1":
		return convert[uint8, T](r)
	case "u2":
		return convert[uint16, T](r)
	case "u4":
		return convert[uint32, T](r)
	case "u8":
		return convert[uint64, T](r)
	case "f4":
		return convert[float32, T](r)
	case "f8":
		return convert[float64, T](r)
	}

	return nil, errors.Errorf("unsupported dtype %q", r.Header.Descr.Type)
}

func convert[S, T constraints.Integer | constraints.Float](r *npy.Reader) ([]T, error) {
	var src []S
	if err := r.Read(&src); err != nil {
		if err == io.EOF {
			return nil, errors.Wrap(err, "truncated array")
		}

		return nil, err
	}

	out := make([]T, len(src))
	for i, v := range src {
		out[i] = T(v)
	}

	return out, nil
}
