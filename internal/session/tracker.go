// Package session はブラウザセッションごとに投入済みのジョブを記録します。
package session

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

const (
	CookieName     = "sf_session"
	sessionKeyJobs = "job_ids"
	maxTracked     = 50
)

var maxSessionLifetime = 24 * time.Hour

// MaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func MaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// NewCookieStore は署名付きクッキーのセッションストアを作成します。
func NewCookieStore(secret string, secure bool) sessions.Store {
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   MaxAgeSeconds(),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return store
}

// Tracker は jobs.Tracker をセッションクッキーで実装します。
// 未知の job_id が「まだ作成されていない」のか「存在しない」のかを、投入したブラウザ側で区別できます。
type Tracker struct {
	logger *log.Logger
}

// NewTracker は Tracker を作成します。
func NewTracker(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{logger: logger}
}

// Track は jobID をセッションに追加します。古いものから maxTracked 件を超えた分を捨てます。
func (t *Tracker) Track(c *gin.Context, jobID string) {
	if jobID == "" {
		return
	}
	session := sessions.Default(c)
	ids := readIDs(session)
	for _, id := range ids {
		if id == jobID {
			return
		}
	}
	ids = append(ids, jobID)
	if len(ids) > maxTracked {
		ids = ids[len(ids)-maxTracked:]
	}
	session.Set(sessionKeyJobs, strings.Join(ids, "\n"))
	if err := session.Save(); err != nil {
		t.logger.Printf("failed to save session job=%s: %v", jobID, err)
	}
}

// Tracked は jobID がこのセッションから投入されたかを返します。
func (t *Tracker) Tracked(c *gin.Context, jobID string) bool {
	for _, id := range readIDs(sessions.Default(c)) {
		if id == jobID {
			return true
		}
	}
	return false
}

// JobsHandler は GET /api/session/jobs のハンドラーです。
func (t *Tracker) JobsHandler(c *gin.Context) {
	ids := readIDs(sessions.Default(c))
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"jobIds": ids})
}

func readIDs(session sessions.Session) []string {
	raw, ok := session.Get(sessionKeyJobs).(string)
	if !ok || raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}
