package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"autorepay.org/internal/repay"
	"autorepay.org/internal/stream"
)

// handleEvents pages through the persisted event log.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	after, err := parseUint("after", q.Get("after"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	limit, err := parsePositiveInt("limit", q.Get("limit"), 100, 1, 1000)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	items, err := a.engine.Events(r.Context(), after, limit)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if items == nil {
		items = []repay.Event{}
	}
	next := after
	if n := len(items); n > 0 {
		next = items[n-1].Seq
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

// Stream serves live engine events as Server-Sent Events. Optional user,
// token and kind query parameters narrow the feed.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "StreamingDisabled", "streaming disabled")
		return
	}
	filter, err := streamFilter(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "Internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx, filter)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func streamFilter(r *http.Request) (stream.Filter, error) {
	q := r.URL.Query()
	var f stream.Filter
	if raw := q.Get("user"); raw != "" {
		user, err := parseAddress("user", raw)
		if err != nil {
			return f, err
		}
		f.User = user
	}
	if raw := q.Get("token"); raw != "" {
		token, err := parseAddress("token", raw)
		if err != nil {
			return f, err
		}
		f.Token = token
	}
	for _, raw := range q["kind"] {
		for _, k := range strings.Split(raw, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if f.Kinds == nil {
				f.Kinds = make(map[repay.EventKind]bool)
			}
			f.Kinds[repay.EventKind(k)] = true
		}
	}
	return f, nil
}
