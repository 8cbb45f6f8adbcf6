package httpapi

import (
	"compress/flate"
	"compress/gzip"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// writeCompressed writes body, gzip- or deflate-encoding it when the client
// accepts one and the body clears the threshold. Headers must be final
// before calling.
func (h *Handler) writeCompressed(w http.ResponseWriter, r *http.Request, status int, body []byte) {
	accept := r.Header.Get("Accept-Encoding")
	if len(body) < compressionThreshold || accept == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	var encoding string
	switch {
	case acceptsEncoding(accept, "gzip"):
		encoding = "gzip"
	case acceptsEncoding(accept, "deflate"):
		encoding = "deflate"
	default:
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	w.Header().Set("Content-Encoding", encoding)
	w.Header().Set("Vary", "Accept-Encoding")
	w.WriteHeader(status)

	var err error
	switch encoding {
	case "gzip":
		gz := gzip.NewWriter(w)
		_, err = gz.Write(body)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	case "deflate":
		fw, _ := flate.NewWriter(w, flate.DefaultCompression)
		_, err = fw.Write(body)
		if cerr := fw.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		h.logger.Warn("writing compressed response", zap.Error(err))
	}
}

func acceptsEncoding(accept, encoding string) bool {
	for _, part := range strings.Split(accept, ",") {
		token := strings.TrimSpace(part)
		if i := strings.IndexByte(token, ';'); i >= 0 {
			token = strings.TrimSpace(token[:i])
		}
		if strings.EqualFold(token, encoding) || token == "*" {
			return true
		}
	}
	return false
}
