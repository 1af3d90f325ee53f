package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"nftmarket/observability"
	"nftmarket/storage/eventlog"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsLiveBuffer   = 256
)

// handleEventsWS streams journaled events. Clients pass ?cursor=<seq> to
// resume after the last entry they saw and ?type=<prefix> to filter.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	filter := strings.TrimSpace(r.URL.Query().Get("type"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.wsOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	release := observability.Events().SubscriberOpened()
	defer release()

	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

// originPatterns turns CORS origins into websocket host patterns. An empty
// list or "*" accepts any origin, matching the CORS middleware.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch {
		case origin == "":
			continue
		case origin == "*":
			return []string{"*"}
		case strings.Contains(origin, "://"):
			u, err := url.Parse(origin)
			if err != nil || u.Host == "" {
				continue
			}
			patterns = append(patterns, strings.ToLower(u.Host))
		default:
			patterns = append(patterns, strings.ToLower(origin))
		}
	}
	return patterns
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64, filter string) error {
	// Subscribe before replaying so nothing appended during the backlog is
	// missed; duplicates are skipped by sequence.
	updates, cancel := s.events.Subscribe(wsLiveBuffer)
	defer cancel()

	last, err := s.replay(ctx, conn, cursor, filter)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-updates:
			if !ok {
				return nil
			}
			if entry.Seq <= last {
				continue
			}
			if entry.Seq > last+1 {
				// The live buffer overflowed; fill the gap from the journal.
				if last, err = s.replay(ctx, conn, last, filter); err != nil {
					return err
				}
				if entry.Seq <= last {
					continue
				}
			}
			if err := writeEntry(ctx, conn, entry, filter); err != nil {
				return err
			}
			last = entry.Seq
		}
	}
}

// replay writes every journaled entry after cursor and returns the last
// sequence written or skipped.
func (s *Server) replay(ctx context.Context, conn *websocket.Conn, cursor uint64, filter string) (uint64, error) {
	last := cursor
	for {
		backlog, err := s.events.Since(last, s.cfg.BacklogLimit)
		if err != nil {
			return last, err
		}
		for _, entry := range backlog {
			if err := writeEntry(ctx, conn, entry, filter); err != nil {
				return last, err
			}
			last = entry.Seq
		}
		if len(backlog) < s.cfg.BacklogLimit {
			return last, nil
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, entry eventlog.Entry, filter string) error {
	if filter != "" && !strings.HasPrefix(entry.Type, filter) {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}
	observability.Events().RecordStreamed(entry.Type)
	return nil
}
