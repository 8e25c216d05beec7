package client

import (
	"net/http"
	"net/http/httputil"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelian/dreamwatch/internal/api"
)

// maxDumpBytes caps each logged dump; memory listings get large.
const maxDumpBytes = 4 << 10

// debugTransport dumps every request and response through the client logger
// at debug level, tagged with the request id stamped by requestIDTransport.
//
// Enable it with DREAMWATCH_DEBUG=true (or DEBUG=true) or WithDebugLogging.
// Dumps contain bodies; keep it out of production.
type debugTransport struct {
	base http.RoundTripper
	log  zerolog.Logger
}

func (dt *debugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := dt.base
	if base == nil {
		base = http.DefaultTransport
	}
	ev := dt.log.With().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("request_id", req.Header.Get(api.RequestIDHeader)).
		Logger()

	if dump, err := httputil.DumpRequestOut(req, true); err == nil {
		ev.Debug().Str("request_dump", truncateDump(dump)).Msg("HTTP request")
	}

	start := time.Now()
	resp, err := base.RoundTrip(req)
	if err != nil {
		ev.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("HTTP request failed")
		return nil, err
	}

	if dump, err := httputil.DumpResponse(resp, true); err == nil {
		ev.Debug().
			Int("status_code", resp.StatusCode).
			Dur("elapsed", time.Since(start)).
			Str("response_dump", truncateDump(dump)).
			Msg("HTTP response")
	}
	return resp, nil
}

func truncateDump(b []byte) string {
	if len(b) <= maxDumpBytes {
		return string(b)
	}
	return string(b[:maxDumpBytes]) + "...(truncated)"
}

// debugLoggingRequested reports whether DREAMWATCH_DEBUG or DEBUG is "true".
func debugLoggingRequested() bool {
	return os.Getenv("DREAMWATCH_DEBUG") == "true" || os.Getenv("DEBUG") == "true"
}
