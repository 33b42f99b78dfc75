package chunks

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5"
)

// orderedReader streams the chunk files of a session in index order,
// opening one file at a time.
type orderedReader struct {
	fs    billy.Filesystem
	key   sessionKey
	total int
	next  int
	cur   billy.File
}

func newOrderedReader(fs billy.Filesystem, key sessionKey, total int) *orderedReader {
	return &orderedReader{fs: fs, key: key, total: total}
}

func (r *orderedReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next >= r.total {
				return 0, io.EOF
			}
			f, err := r.fs.Open(r.key.slot(r.next))
			if err != nil {
				return 0, fmt.Errorf("open chunk %d: %w", r.next, err)
			}
			r.cur = f
			r.next++
		}

		n, err := r.cur.Read(p)
		if errors.Is(err, io.EOF) {
			_ = r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *orderedReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
