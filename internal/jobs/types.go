package jobs

import "time"

// Status はジョブ全体の状態を表します。CityRecord から導出され、直接は設定されません。
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// CityStatus は都市ごとの生成状態を表します。
type CityStatus string

const (
	CityPending         CityStatus = "pending"
	CityCompleted       CityStatus = "completed"
	CityErrorNoCities   CityStatus = "error_no_cities"
	CityErrorProcessing CityStatus = "error_processing"
)

// IsError はエラー系の状態かどうかを返します。
func (s CityStatus) IsError() bool {
	return s == CityErrorNoCities || s == CityErrorProcessing
}

// CanTransition は pending → completed / error_processing 以外の遷移を拒否します。
func (s CityStatus) CanTransition(to CityStatus) bool {
	if s != CityPending {
		return false
	}
	return to == CityCompleted || to == CityErrorProcessing
}

// Job は1つのドメインに対する生成リクエストです。
type Job struct {
	JobID        string    `json:"job_id"`
	Domain       string    `json:"domain"`
	RawDomain    string    `json:"raw_domain,omitempty"`
	Branche      string    `json:"branche,omitempty"`
	Description  string    `json:"description,omitempty"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CityRecord はジョブ内の都市単位の作業と成果物です。
type CityRecord struct {
	JobID            string     `json:"job_id"`
	Name             string     `json:"name"`
	Postcode         string     `json:"postcode"`
	Country          string     `json:"country"`
	SubpageID        string     `json:"subpage_id"`
	Status           CityStatus `json:"status"`
	GeneratedContent string     `json:"generated_content,omitempty"`
	ContentType      string     `json:"content_type,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Key は都市を特定するキー（名前 + 郵便番号）を返します。
func (c CityRecord) Key() CityKey {
	return CityKey{Name: c.Name, Postcode: c.Postcode}
}

// CityKey は UpdateCityContent で都市を指定するためのキーです。
type CityKey struct {
	Name     string
	Postcode string
}

// Matches は名前と郵便番号で都市を照合します。郵便番号が空の場合は名前のみで照合します。
func (k CityKey) Matches(c CityRecord) bool {
	if c.Name != k.Name {
		return false
	}
	return k.Postcode == "" || k.Postcode == c.Postcode
}

// Snapshot はジョブとその都市レコードの読み取り結果です。
type Snapshot struct {
	Job    Job          `json:"job"`
	Cities []CityRecord `json:"cities"`
}

// DeriveStatus は都市レコードからジョブ全体の状態を導出します。
func DeriveStatus(cities []CityRecord) Status {
	if len(cities) == 0 {
		return StatusPending
	}
	var completed, failed int
	for _, c := range cities {
		switch {
		case c.Status == CityCompleted:
			completed++
		case c.Status.IsError():
			failed++
		}
	}
	switch {
	case completed == len(cities):
		return StatusCompleted
	case failed > 0 && completed == 0:
		return StatusFailed
	default:
		return StatusPending
	}
}

// PendingCities は pending 状態の都市だけを返します。
func PendingCities(cities []CityRecord) []CityRecord {
	var out []CityRecord
	for _, c := range cities {
		if c.Status == CityPending {
			out = append(out, c)
		}
	}
	return out
}
