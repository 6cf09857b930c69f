package blob

import "io"

// LimitReaderCloser is io.LimitReader over a ReadCloser, keeping Close.
// Ranged blob reads hand it to callers so they can stop at the requested
// length and still release the underlying stream.
type LimitReaderCloser struct {
	rc io.ReadCloser
	lr io.Reader
}

func NewLimitReaderCloser(rc io.ReadCloser, n int64) *LimitReaderCloser {
	return &LimitReaderCloser{rc: rc, lr: io.LimitReader(rc, n)}
}

func (l *LimitReaderCloser) Read(p []byte) (int, error) {
	return l.lr.Read(p)
}

func (l *LimitReaderCloser) Close() error {
	return l.rc.Close()
}
