package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatferry/internal/models"
	"gorm.io/gorm"
)

// runEvent holds data for a run-progress SSE event.
type runEvent struct {
	ID         uint   `json:"id"`
	Source     string `json:"source"`
	Dest       string `json:"dest"`
	Mode       string `json:"mode"`
	Status     string `json:"status"`
	Delivered  int64  `json:"delivered"`
	Skipped    int64  `json:"skipped"`
	Retried    int64  `json:"retried"`
	Reconnects int64  `json:"reconnects"`
}

// handleSSE streams run state changes by polling the runs table.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		// Send connected event.
		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// If no DB, just send connected and return — tests use nil DB.
		if db == nil {
			return
		}

		// Track the last observed state per run so only changes are pushed.
		seen := make(map[uint]runEvent)

		ctx := c.Request.Context()
		ticker := time.NewTicker(2 * time.Second)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var runs []models.CloneRun
				db.Order("id DESC").Limit(20).Find(&runs)

				for _, run := range runs {
					evt := runEvent{
						ID:         run.ID,
						Source:     run.SourceName,
						Dest:       run.DestName,
						Mode:       run.Mode,
						Status:     run.Status,
						Delivered:  run.Delivered,
						Skipped:    run.Skipped,
						Retried:    run.Retried,
						Reconnects: run.Reconnects,
					}
					if prev, ok := seen[run.ID]; ok && prev == evt {
						continue
					}
					seen[run.ID] = evt
					writeSSE(c.Writer, "run", evt)
					c.Writer.Flush()
				}
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
