package gateway

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chatvault/gateway/internal/dispatch"
	"github.com/chatvault/gateway/internal/httputil"
	"github.com/chatvault/gateway/internal/types"
)

// handleStream forwards the request to the instance and relays SSE chunks to
// the client. Instances already speak the OpenAI event format, so chunks pass
// through untouched; the gateway only watches for the [DONE] terminator to
// close the assignment with the right outcome.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, reqID string, asg *dispatch.Assignment, chatReq *types.ChatRequest) {
	resp, err := h.upstream.Send(r.Context(), asg.Instance, asg.Model, chatReq)
	if err != nil {
		slog.Error("streaming upstream request failed", "request_id", reqID, "instance", asg.Instance.ID, "error", err)
		asg.Finish(false, 0)
		httputil.WriteServiceUnavailableError(w, reqID, "Instance request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Warn("streaming upstream returned error",
			"request_id", reqID,
			"instance", asg.Instance.ID,
			"status", resp.StatusCode,
			"body", string(body),
		)
		asg.Finish(false, 0)
		httputil.WriteServiceUnavailableError(w, reqID, "Instance returned error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		asg.Finish(false, 0)
		httputil.WriteInternalError(w, reqID, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Info("streaming started",
		"request_id", reqID,
		"identity", chatReq.Identity,
		"model_served", asg.Model,
		"instance", asg.Instance.ID,
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	completed := false
	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			// Forward event: lines and blank keep-alives as-is
			if strings.HasPrefix(line, "event: ") || line == "" {
				fmt.Fprintf(w, "%s\n", line)
				flusher.Flush()
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			completed = true
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if err := scanner.Err(); err != nil {
		slog.Error("error reading stream", "request_id", reqID, "instance", asg.Instance.ID, "error", err)
	}

	// Token usage is not reported on streams; cost stays zero.
	asg.Finish(completed, 0)
}
