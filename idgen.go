package mqadmin

import (
	"fmt"
	"sync/atomic"
)

// idSource mints envelope ids. Fixed-width decimal keeps lexical order equal
// to mint order, which the query cursor contract relies on.
type idSource struct {
	n atomic.Uint64
}

func (s *idSource) next() string {
	return fmt.Sprintf("%020d", s.n.Add(1))
}
