package services

import (
	"fmt"
	"io"

	"github.com/dmitrijs2005/cipherdrop/internal/common"
)

// cappedReader fails with common.ErrSizeLimitExceeded as soon as more than
// limit bytes have been read. A limit <= 0 disables the check.
type cappedReader struct {
	r     io.Reader
	limit int64
	n     int64
}

func newCappedReader(r io.Reader, limit int64) *cappedReader {
	return &cappedReader{r: r, limit: limit}
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.limit > 0 && c.n > c.limit {
		return 0, fmt.Errorf("%w: upload exceeds %d bytes", common.ErrSizeLimitExceeded, c.limit)
	}
	return n, err
}
