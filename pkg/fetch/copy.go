package fetch

import (
	"context"
	"io"
)

// copyWithContext copies src to dst, checking for cancellation between
// chunks and reporting the running byte count.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, total int64, report func(written, total int64)) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
				if report != nil {
					report(written, total)
				}
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
