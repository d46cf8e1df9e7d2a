package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamcore/internal/durablestore"
	"github.com/durable-streams/streamcore/internal/offset"
	"github.com/durable-streams/streamcore/internal/streamengine"
)

// handleSSE streams messages as Server-Sent Events (spec §4.4): an initial
// catch-up read, a control frame, then a long-poll wait for the next tail
// message, repeated until the client disconnects, the stream closes, or the
// reconnect interval elapses (to let a fronting CDN collapse the next
// connection). Grounded on packages/caddy-plugin/handler.go's handleSSE.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, path string, from offset.Offset, cursor string) error {
	info, err := s.store.Get(path)
	if err != nil {
		return err
	}

	ct := strings.ToLower(durablestore.ExtractMediaType(info.ContentType))
	binary := !strings.HasPrefix(ct, "text/") && ct != "application/json"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if binary {
		w.Header().Set(HeaderStreamSSEDataEncoding, "base64")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	reconnect := time.NewTimer(s.cfg.SSEReconnectInterval)
	defer reconnect.Stop()

	current := from
	sentInitialControl := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconnect.C:
			return nil
		default:
		}

		messages, _, err := s.store.Read(path, current)
		if err != nil {
			s.log.Warn("sse read failed", zap.String("path", path), zap.Error(err))
			return nil
		}

		if len(messages) > 0 {
			fmt.Fprint(w, "event: data\n")
			for _, msg := range messages {
				line := sseDataLine(s.store, info.ContentType, msg, binary)
				for _, part := range strings.Split(line, "\n") {
					fmt.Fprintf(w, "data: %s\n", part)
				}
			}
			fmt.Fprint(w, "\n")
			current = messages[len(messages)-1].Offset

			responseCursor := generateResponseCursor(cursor)
			control := map[string]any{"streamNextOffset": current.String(), "streamCursor": responseCursor}
			writeControlFrame(w, control)
			flusher.Flush()
			sentInitialControl = true
		} else if !sentInitialControl {
			currentInfo, _ := s.store.Get(path)
			responseCursor := generateResponseCursor(cursor)
			control := map[string]any{"streamNextOffset": currentInfo.CurrentOffset.String(), "streamCursor": responseCursor}
			if currentInfo.Closed {
				control["streamClosed"] = true
			}
			writeControlFrame(w, control)
			flusher.Flush()
			sentInitialControl = true
			if currentInfo.Closed {
				return nil
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_, _, closed, _ := s.store.WaitForMessages(waitCtx, path, current, 100*time.Millisecond)
		cancel()
		if closed {
			finalInfo, _ := s.store.Get(path)
			control := map[string]any{"streamNextOffset": finalInfo.CurrentOffset.String(), "streamClosed": true}
			writeControlFrame(w, control)
			flusher.Flush()
			return nil
		}
	}
}

func writeControlFrame(w http.ResponseWriter, control map[string]any) {
	body, _ := json.Marshal(control)
	fmt.Fprint(w, "event: control\n")
	fmt.Fprintf(w, "data: %s\n\n", body)
}

func sseDataLine(store *durablestore.Store, contentType string, msg streamengine.Message, binary bool) string {
	if binary {
		return base64.StdEncoding.EncodeToString(msg.Data)
	}
	return string(store.FormatSingleMessage(contentType, msg))
}
