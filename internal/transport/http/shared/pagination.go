package shared

import (
	"net/http"
	"strconv"

	"hrkpi/internal/transport/http/api"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Window is the limit/offset slice of a list requested by the client.
type Window struct {
	Limit  int
	Offset int
}

// ParseWindow reads limit and offset from the query. Malformed or negative
// values fall back to defaults; limit never exceeds MaxLimit.
func ParseWindow(r *http.Request, defaultLimit int) Window {
	q := r.URL.Query()
	w := Window{Limit: defaultLimit}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		w.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		w.Offset = v
	}
	w.Limit = min(w.Limit, MaxLimit)
	return w
}

func (w Window) Meta(total int) api.Meta {
	return api.Meta{Total: total, Limit: w.Limit, Offset: w.Offset}
}
