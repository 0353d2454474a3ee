package ingestapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// AnalyzeWriteDeadline lifts the server's whole-request timeouts for
// POST /analyze, which only answers once every admitted event has been
// analyzed. The write deadline is cleared up front. The read deadline is
// cleared once the body hits EOF, so uploads stay bounded while an expired
// read deadline can no longer cancel the request context mid-analysis.
//
// It must be the outermost wrapper so it sees the server's own
// ResponseWriter. Every other route keeps the server defaults.
func AnalyzeWriteDeadline(logger log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/analyze" {
				next.ServeHTTP(w, r)
				return
			}

			rc := http.NewResponseController(w)
			if err := rc.SetWriteDeadline(time.Time{}); err != nil {
				logDeadlineErr(r, logger, "write", err)
			}

			clearRead := func() {
				if err := rc.SetReadDeadline(time.Time{}); err != nil {
					logDeadlineErr(r, logger, "read", err)
				}
			}
			if r.Body == nil || r.Body == http.NoBody {
				clearRead()
			} else {
				r.Body = &eofHookBody{ReadCloser: r.Body, onEOF: clearRead}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func logDeadlineErr(r *http.Request, logger log.Logger, which string, err error) {
	if errors.Is(err, http.ErrNotSupported) {
		logger.Warn(r.Context(), "response writer does not support deadlines, slow batches may be cut off", "deadline", which)
		return
	}
	logger.Warn(r.Context(), "failed to clear deadline", "deadline", which, "error", err)
}

// eofHookBody runs onEOF once, the first time the wrapped body reports io.EOF.
type eofHookBody struct {
	io.ReadCloser
	onEOF func()
	fired bool
}

func (b *eofHookBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if errors.Is(err, io.EOF) && !b.fired {
		b.fired = true
		b.onEOF()
	}
	return n, err
}
