package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxDescriptionLength = 255
	defaultCountry       = "Germany"
	noPostcode           = "no_postcode"
)

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// CityInput はリクエストに含まれる都市の記述です。
type CityInput struct {
	Name     string `json:"name"`
	Postcode string `json:"postcode,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Request は正規化前の生成リクエストです。
type Request struct {
	JobID       string      `json:"job_id,omitempty"`
	Domain      string      `json:"domain"`
	Branche     string      `json:"branche,omitempty"`
	Description string      `json:"description,omitempty"`
	Cities      []CityInput `json:"cities"`
}

// BuildResult は RequestBuilder の出力です。エラー時も必ず Job と1件以上の CityRecord を持ちます。
type BuildResult struct {
	Job    Job
	Cities []CityRecord
	// Err は不正なペイロードを吸収した場合の原因です（呼び出し側への返却ではなく記録用）。
	Err error
}

// Builder はリクエストを正規化して Job と CityRecord を組み立てます。
type Builder struct {
	now func() time.Time
	seq atomic.Uint64
}

// NewBuilder は Builder を作成します。
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// Build は生の JSON ペイロードから結果を組み立てます。どんな入力でもパニックやエラー返却はしません。
func (b *Builder) Build(raw []byte) (result BuildResult) {
	defer func() {
		if r := recover(); r != nil {
			result = b.errorResult("", fmt.Errorf("panic while building request: %v", r))
		}
	}()

	req, err := ParseRequest(raw)
	if err != nil {
		return b.errorResult(req.JobID, err)
	}
	return b.BuildRequest(req)
}

// BuildRequest は型付きリクエストから結果を組み立てます。
func (b *Builder) BuildRequest(req Request) BuildResult {
	now := b.now().UTC()
	domain := NormalizeDomain(req.Domain)
	job := Job{
		JobID:       b.jobID(req.JobID),
		Domain:      domain,
		RawDomain:   req.Domain,
		Branche:     strings.TrimSpace(req.Branche),
		Description: truncateRunes(strings.TrimSpace(req.Description), maxDescriptionLength),
		CreatedAt:   now,
	}

	var cities []CityRecord
	seen := make(map[string]bool, len(req.Cities))
	for i, in := range req.Cities {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return b.errorResult(job.JobID, fmt.Errorf("cities[%d].name is required", i))
		}
		postcode := strings.TrimSpace(in.Postcode)
		country := strings.TrimSpace(in.Country)
		if country == "" {
			country = defaultCountry
		}
		id := SubpageID(domain, name, postcode)
		if seen[id] {
			continue
		}
		seen[id] = true
		cities = append(cities, CityRecord{
			JobID:     job.JobID,
			Name:      name,
			Postcode:  postcode,
			Country:   country,
			SubpageID: id,
			Status:    CityPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if len(cities) == 0 {
		cities = []CityRecord{{
			JobID:     job.JobID,
			SubpageID: sanitize(domain) + "_no_city",
			Status:    CityErrorNoCities,
			CreatedAt: now,
			UpdatedAt: now,
		}}
	}

	job.Status = DeriveStatus(cities)
	return BuildResult{Job: job, Cities: cities}
}

func (b *Builder) errorResult(jobID string, cause error) BuildResult {
	now := b.now().UTC()
	id := strings.TrimSpace(jobID)
	if id == "" {
		id = b.jobID("")
	}
	cities := []CityRecord{{
		JobID:     id,
		SubpageID: "error_" + sanitize(id),
		Status:    CityErrorProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	return BuildResult{
		Job: Job{
			JobID:        id,
			Status:       DeriveStatus(cities),
			ErrorMessage: cause.Error(),
			CreatedAt:    now,
		},
		Cities: cities,
		Err:    cause,
	}
}

func (b *Builder) jobID(supplied string) string {
	if id := strings.TrimSpace(supplied); id != "" {
		return id
	}
	n := b.seq.Add(1)
	return fmt.Sprintf("job_%d_%d_%s", b.now().UnixMilli(), n, uuid.NewString()[:8])
}

// ParseRequest は JSON ペイロードを Request に変換します。
// 型が合わないフィールドはエラーになりますが、job_id だけは可能な限り取り出します。
func ParseRequest(raw []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Request{}, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if fields == nil {
		return Request{}, errors.New("payload is null")
	}

	var req Request
	jobID, err := optionalString(fields, "job_id")
	req.JobID = jobID
	if err != nil {
		return req, err
	}
	if req.Domain, err = optionalString(fields, "domain"); err != nil {
		return req, err
	}
	if req.Branche, err = optionalString(fields, "branche"); err != nil {
		return req, err
	}
	if req.Description, err = optionalString(fields, "description"); err != nil {
		return req, err
	}
	if rawCities, ok := fields["cities"]; ok && !isNull(rawCities) {
		if err := json.Unmarshal(rawCities, &req.Cities); err != nil {
			return req, fmt.Errorf("cities: %w", err)
		}
	}
	return req, nil
}

func optionalString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	// job_id は数値で送られることがある（Date.now() など）
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && key == "job_id" {
		return n.String(), nil
	}
	return "", fmt.Errorf("%s must be a string", key)
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// NormalizeDomain はプロトコル・先頭の www.・末尾のスラッシュ1つを取り除き、小文字化します。
func NormalizeDomain(raw string) string {
	d := strings.TrimSpace(raw)
	lower := strings.ToLower(d)
	switch {
	case strings.HasPrefix(lower, "https://"):
		d = d[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		d = d[len("http://"):]
	}
	if strings.HasPrefix(strings.ToLower(d), "www.") {
		d = d[len("www."):]
	}
	d = strings.TrimSuffix(d, "/")
	return strings.TrimSpace(strings.ToLower(d))
}

// SubpageID はドメイン・都市名・郵便番号から決定的な識別子を生成します。
func SubpageID(domain, city, postcode string) string {
	if postcode == "" {
		postcode = noPostcode
	}
	return sanitize(domain) + "_" + sanitize(city) + "_" + postcode
}

func sanitize(s string) string {
	return nonAlnumRun.ReplaceAllString(strings.ToLower(s), "_")
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
