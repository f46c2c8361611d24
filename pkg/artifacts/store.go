package artifacts

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Store persists test transcripts and captures in a single flat directory.
// Files only ever appear under their final name once fully written, so a
// filename handed out by the store can always be served.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "could not create artifact directory")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// SaveTestOutput writes the rendered transcript log and, when obtained, the
// raw capture under base. It returns the filenames written; pcapFile is empty
// when there was no capture.
func (s *Store) SaveTestOutput(base, logText string, pcap []byte) (logFile, pcapFile string, err error) {
	logFile = base + ".log"
	if err := s.writeFile(logFile, []byte(logText)); err != nil {
		return "", "", err
	}
	if pcap != nil {
		pcapFile = base + ".pcap"
		if err := s.writeFile(pcapFile, pcap); err != nil {
			return "", "", err
		}
	}
	return logFile, pcapFile, nil
}

// writeFile writes to a hidden temp file in the same directory and renames it
// into place.
func (s *Store) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp")
	if err != nil {
		return errors.Wrap(err, "could not create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "could not write %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "could not write %s", name)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "could not move %s into place", name)
	}
	return nil
}
