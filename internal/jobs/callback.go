package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// CallbackCity は複数都市形式のコールバックに含まれる1都市分の結果です。
type CallbackCity struct {
	Name     string
	Postcode string
	Content  string
	Status   string
}

// CallbackEvent は生成エンジンからの完了通知を正規化したものです。
// City と Cities のどちらも空の場合は、ジョブ全体（pending の全都市）に対するイベントです。
type CallbackEvent struct {
	JobID   string
	Domain  string
	City    *CityKey
	Content string
	Status  string
	Cities  []CallbackCity
}

// IngestResult は取り込みで更新された都市レコードです。
type IngestResult struct {
	JobID   string
	Updated []CityRecord
}

type callbackCityPayload struct {
	Name          string `json:"name"`
	Postcode      string `json:"postcode"`
	Content       string `json:"content"`
	GeneratedHTML string `json:"generated_html"`
	Status        string `json:"status"`
}

// ParseCallback はコールバック本文を CallbackEvent に変換します。
// city は文字列（都市名）でも {name, postcode} オブジェクトでも受け付けます。
func ParseCallback(raw []byte) (*CallbackEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, validationError("callback body must be a JSON object")
	}

	jobID, err := optionalString(fields, "job_id")
	if err != nil {
		return nil, validationError("%v", err)
	}
	ev := &CallbackEvent{JobID: strings.TrimSpace(jobID)}
	if ev.JobID == "" {
		return nil, validationError("job_id is required")
	}
	if ev.Domain, err = optionalString(fields, "domain"); err != nil {
		return nil, validationError("%v", err)
	}
	if ev.Content, err = optionalString(fields, "content"); err != nil {
		return nil, validationError("%v", err)
	}
	if ev.Content == "" {
		// 一部のエンジンは generated_html で返す
		if ev.Content, err = optionalString(fields, "generated_html"); err != nil {
			return nil, validationError("%v", err)
		}
	}
	if ev.Status, err = optionalString(fields, "status"); err != nil {
		return nil, validationError("%v", err)
	}

	if rawCity, ok := fields["city"]; ok && !isNull(rawCity) {
		key, err := parseCityKey(rawCity)
		if err != nil {
			return nil, err
		}
		ev.City = key
	}

	if rawCities, ok := fields["cities"]; ok && !isNull(rawCities) {
		var items []callbackCityPayload
		if err := json.Unmarshal(rawCities, &items); err != nil {
			return nil, validationError("cities: %v", err)
		}
		if len(items) == 0 {
			return nil, validationError("cities must not be empty")
		}
		for _, item := range items {
			content := item.Content
			if content == "" {
				content = item.GeneratedHTML
			}
			ev.Cities = append(ev.Cities, CallbackCity{
				Name:     strings.TrimSpace(item.Name),
				Postcode: strings.TrimSpace(item.Postcode),
				Content:  content,
				Status:   item.Status,
			})
		}
	}
	return ev, nil
}

func parseCityKey(raw json.RawMessage) (*CityKey, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, nil
		}
		return &CityKey{Name: name}, nil
	}
	var obj struct {
		Name     string `json:"name"`
		Postcode string `json:"postcode"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, validationError("city must be a string or an object with name")
	}
	if strings.TrimSpace(obj.Name) == "" {
		return nil, validationError("city.name is required")
	}
	return &CityKey{Name: strings.TrimSpace(obj.Name), Postcode: strings.TrimSpace(obj.Postcode)}, nil
}

// MapCallbackStatus はエンジンが返す状態文字列を CityStatus に変換します。
// "completeted" は既存エンジンの綴り誤りで、completed として扱います。
func MapCallbackStatus(s string) (CityStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "completed", "completeted", "success", "done":
		return CityCompleted, nil
	case "error", "failed", "error_processing":
		return CityErrorProcessing, nil
	default:
		return "", validationError("unknown callback status %q", s)
	}
}

// DetectContentType は生成物の MIME タイプを推定します。
func DetectContentType(content string) string {
	return mimetype.Detect([]byte(content)).String()
}

// Ingester はコールバックイベントを検証し、対象の都市レコードを更新します。
type Ingester struct {
	store Store
}

// NewIngester は Ingester を作成します。
func NewIngester(store Store) *Ingester {
	return &Ingester{store: store}
}

type plannedUpdate struct {
	key    CityKey
	update CityUpdate
}

// Apply はイベントを検証してから更新します。検証に失敗したイベントは1件も適用しません。
func (i *Ingester) Apply(ctx context.Context, ev *CallbackEvent) (*IngestResult, error) {
	if ev == nil || strings.TrimSpace(ev.JobID) == "" {
		return nil, validationError("job_id is required")
	}

	plan, err := i.plan(ctx, ev)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{JobID: ev.JobID}
	for _, p := range plan {
		rec, err := i.store.UpdateCityContent(ctx, ev.JobID, p.key, p.update)
		if err != nil {
			return result, fmt.Errorf("update city %q: %w", p.key.Name, err)
		}
		result.Updated = append(result.Updated, *rec)
	}
	return result, nil
}

func (i *Ingester) plan(ctx context.Context, ev *CallbackEvent) ([]plannedUpdate, error) {
	var plan []plannedUpdate
	if len(ev.Cities) > 0 {
		plan = make([]plannedUpdate, 0, len(ev.Cities))
		for idx, c := range ev.Cities {
			if c.Name == "" {
				return nil, validationError("cities[%d].name is required", idx)
			}
			if c.Content == "" {
				return nil, validationError("cities[%d].content is required", idx)
			}
			status, err := MapCallbackStatus(c.Status)
			if err != nil {
				return nil, err
			}
			plan = append(plan, plannedUpdate{
				key:    CityKey{Name: c.Name, Postcode: c.Postcode},
				update: CityUpdate{Content: c.Content, ContentType: DetectContentType(c.Content), Status: status},
			})
		}
	} else {
		if ev.Content == "" {
			return nil, validationError("content is required")
		}
		status, err := MapCallbackStatus(ev.Status)
		if err != nil {
			return nil, err
		}
		update := CityUpdate{Content: ev.Content, ContentType: DetectContentType(ev.Content), Status: status}
		if ev.City != nil {
			plan = []plannedUpdate{{key: *ev.City, update: update}}
		} else {
			plan = []plannedUpdate{{update: update}}
		}
	}

	snap, err := i.store.GetStatus(ctx, ev.JobID)
	if err != nil {
		return nil, err
	}

	// 都市指定のないイベントは pending の全都市に展開する
	if len(ev.Cities) == 0 && ev.City == nil {
		pending := PendingCities(snap.Cities)
		if len(pending) == 0 {
			return nil, fmt.Errorf("%w: job %s has no pending cities", ErrInvalidTransition, ev.JobID)
		}
		update := plan[0].update
		plan = make([]plannedUpdate, 0, len(pending))
		for _, c := range pending {
			plan = append(plan, plannedUpdate{key: c.Key(), update: update})
		}
		return plan, nil
	}

	// 書き込み前に全ての都市をスナップショット上で解決し、遷移できることを確認する
	claimed := make(map[int]bool, len(plan))
	for n := range plan {
		idx := FindCity(snap.Cities, plan[n].key)
		if idx < 0 {
			return nil, CityNotFound(ev.JobID, plan[n].key)
		}
		rec := snap.Cities[idx]
		if claimed[idx] {
			return nil, fmt.Errorf("%w: city %q addressed twice", ErrInvalidTransition, rec.Name)
		}
		if !rec.Status.CanTransition(plan[n].update.Status) {
			return nil, InvalidTransition(rec.Status, plan[n].update.Status)
		}
		claimed[idx] = true
		plan[n].key = rec.Key()
	}
	return plan, nil
}
