package jobs

import (
	"context"
	"time"
)

// Store はジョブと都市レコードの唯一の所有者です。実装を差し替えてもライフサイクルは変わりません。
type Store interface {
	CreateJob(ctx context.Context, job Job, cities []CityRecord) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	UpdateCityContent(ctx context.Context, jobID string, key CityKey, update CityUpdate) (*CityRecord, error)
	GetStatus(ctx context.Context, jobID string) (*Snapshot, error)
}

// CityUpdate は1件の CityRecord に原子的に書き込むフィールドの組です。
type CityUpdate struct {
	Content     string
	ContentType string
	Status      CityStatus
}

// FindCity はキーに一致する都市のインデックスを返します。見つからない場合は -1 です。
// 完全一致（名前 + 郵便番号）を優先し、郵便番号なしのキーは名前で最初に一致したものを選びます。
func FindCity(cities []CityRecord, key CityKey) int {
	fallback := -1
	for i, c := range cities {
		if c.Name == key.Name && c.Postcode == key.Postcode {
			return i
		}
		if fallback < 0 && key.Matches(c) {
			fallback = i
		}
	}
	return fallback
}

// ApplyCityUpdate は遷移規則を確認したうえで cities[idx] を更新します。
// ストア実装はロックまたはトランザクションの内側でこれを呼び出します。
func ApplyCityUpdate(cities []CityRecord, idx int, update CityUpdate, now time.Time) error {
	rec := &cities[idx]
	if !rec.Status.CanTransition(update.Status) {
		return InvalidTransition(rec.Status, update.Status)
	}
	rec.GeneratedContent = update.Content
	rec.ContentType = update.ContentType
	rec.Status = update.Status
	rec.UpdatedAt = now
	return nil
}

func cloneCities(cities []CityRecord) []CityRecord {
	out := make([]CityRecord, len(cities))
	copy(out, cities)
	return out
}
