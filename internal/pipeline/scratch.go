package pipeline

import (
	"log"
	"os"
	"sync"
)

// Scratch is the pipeline's handle on the decrypted temp file. Remove is
// safe to call more than once; whichever path reaches it first (normal
// finish, failure, panic recovery) wins and later calls are no-ops.
type Scratch struct {
	path   string
	once   sync.Once
	logger *log.Logger
}

func NewScratch(path string) *Scratch {
	return &Scratch{
		path:   path,
		logger: log.New(log.Writer(), "[SCRATCH] ", log.LstdFlags),
	}
}

func (s *Scratch) Path() string { return s.path }

// Size returns the current size of the scratch file in bytes.
func (s *Scratch) Size() (int64, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Remove deletes the scratch file exactly once.
func (s *Scratch) Remove() {
	s.once.Do(func() {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Printf("remove %s failed: %v", s.path, err)
		}
	})
}
