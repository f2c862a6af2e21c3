// Package notify は都市レコードの更新を WebSocket で購読者に配信します。
package notify

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

const writeTimeout = 2 * time.Second

// CityEvent は1件の都市更新の通知です。
type CityEvent struct {
	Type        string          `json:"type"`
	JobID       string          `json:"job_id"`
	Status      jobs.Status     `json:"status"`
	City        string          `json:"city"`
	Postcode    string          `json:"postcode,omitempty"`
	SubpageID   string          `json:"subpage_id"`
	CityStatus  jobs.CityStatus `json:"city_status"`
	ContentType string          `json:"content_type,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Hub はジョブごとの WebSocket 接続を管理します。
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*websocket.Conn]struct{}
	logger *log.Logger
}

// NewHub は空の Hub を作成します。
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// PublishCity は jobs.Notifier を実装します。
func (h *Hub) PublishCity(jobID string, rec jobs.CityRecord, status jobs.Status) {
	h.BroadcastJSON(jobID, CityEvent{
		Type:        "city_update",
		JobID:       jobID,
		Status:      status,
		City:        rec.Name,
		Postcode:    rec.Postcode,
		SubpageID:   rec.SubpageID,
		CityStatus:  rec.Status,
		ContentType: rec.ContentType,
		UpdatedAt:   rec.UpdatedAt,
	})
}

// BroadcastJSON は jobID の購読者全員に v を送ります。書き込みに失敗した接続は閉じます。
func (h *Hub) BroadcastJSON(jobID string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ws := range h.subs[jobID] {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
			h.logger.Printf("[ws] drop subscriber job=%s: %v", jobID, err)
			_ = ws.Close()
			h.removeLocked(jobID, ws)
		}
	}
}

// Count は jobID の購読者数を返します。
func (h *Hub) Count(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// subscribe は挨拶メッセージを送ってから購読者に加えます。送信と登録はロック内で行います。
func (h *Hub) subscribe(jobID string, ws *websocket.Conn, welcome []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, welcome); err != nil {
		return err
	}
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		h.subs[jobID] = set
	}
	set[ws] = struct{}{}
	return nil
}

func (h *Hub) unsubscribe(jobID string, ws *websocket.Conn) {
	h.mu.Lock()
	h.removeLocked(jobID, ws)
	h.mu.Unlock()
	_ = ws.Close()
}

func (h *Hub) removeLocked(jobID string, ws *websocket.Conn) {
	set := h.subs[jobID]
	delete(set, ws)
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
}
