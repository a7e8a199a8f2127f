package rnn

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// checkpointVersion is bumped whenever the parameter layout changes.
const checkpointVersion = 1

type checkpoint struct {
	Version int
	Config  Config
	Params  []float64
}

// Save writes the architecture and the weights to path. The file is written
// next to path first and renamed over it, so readers never observe a
// partial checkpoint.
func (m *Model) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}

	defer os.Remove(tmp.Name())

	if err := m.encode(tmp); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write checkpoint %s", path)
	}

	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close checkpoint %s", path)
	}

	return errors.Wrap(os.Rename(tmp.Name(), path), "install checkpoint")
}

func (m *Model) encode(w io.Writer) error {
	sw := snappy.NewBufferedWriter(w)

	err := gob.NewEncoder(sw).Encode(checkpoint{
		Version: checkpointVersion,
		Config:  m.cfg,
		Params:  m.w.all,
	})
	if err != nil {
		return err
	}

	return sw.Close()
}

// Load restores a model written by Save.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()

	var ck checkpoint
	if err := gob.NewDecoder(snappy.NewReader(bufio.NewReader(f))).Decode(&ck); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}

	if ck.Version != checkpointVersion {
		return nil, errors.Errorf("checkpoint %s has version %d, want %d", path, ck.Version, checkpointVersion)
	}

	if err := ck.Config.validate(); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}

	m := newModel(ck.Config)
	if len(ck.Params) != m.layout.size {
		return nil, errors.Wrapf(ErrDimension, "checkpoint %s has %d parameters, architecture needs %d", path, len(ck.Params), m.layout.size)
	}

	copy(m.w.all, ck.Params)

	return m, nil
}
