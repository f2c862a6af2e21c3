package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

// StatusReader は接続時に現在の状態を返すためのものです。jobs.Manager が満たします。
type StatusReader interface {
	Status(ctx context.Context, jobID string) (*jobs.Snapshot, error)
}

type welcomeMessage struct {
	Type   string      `json:"type"`
	JobID  string      `json:"job_id"`
	Found  bool        `json:"found"`
	Status jobs.Status `json:"status"`
}

// NewUpgrader は許可オリジンを確認する Upgrader を返します。"*" は全て許可します。
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// WSHandler は GET /ws/jobs/:id のハンドラーを返します。
func WSHandler(hub *Hub, reader StatusReader, upgrader websocket.Upgrader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job id is required",
			})
			return
		}

		welcome := welcomeMessage{Type: "welcome", JobID: jobID, Status: jobs.StatusPending}
		if reader != nil {
			if snap, err := reader.Status(c.Request.Context(), jobID); err == nil {
				welcome.Found = true
				welcome.Status = jobs.DeriveStatus(snap.Cities)
			}
		}
		payload, _ := json.Marshal(welcome)

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		if err := hub.subscribe(jobID, ws, payload); err != nil {
			_ = ws.Close()
			return
		}
		hub.logger.Printf("[ws] client connected job=%s", jobID)

		// 受信メッセージは読み捨てる（切断検知のため）
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}

		hub.unsubscribe(jobID, ws)
		hub.logger.Printf("[ws] client disconnected job=%s", jobID)
	}
}
