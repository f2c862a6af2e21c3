package jobs

import "time"

// CityView は job-data レスポンスに含まれる都市1件分の表現です。
type CityView struct {
	Name          string     `json:"name"`
	Postcode      string     `json:"postcode"`
	Country       string     `json:"country"`
	SubpageID     string     `json:"subpage_id"`
	Status        CityStatus `json:"status"`
	GeneratedHTML string     `json:"generated_html,omitempty"`
	ContentType   string     `json:"content_type,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Summary は都市の状態別件数です。
type Summary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

// JobData は GET /api/job-data の data 部分です。
// content と city は単数形を前提とする古いクライアント向けに、最初のレコードから導出します。
type JobData struct {
	JobID        string     `json:"job_id"`
	Domain       string     `json:"domain"`
	Branche      string     `json:"branche,omitempty"`
	Status       Status     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Content      string     `json:"content,omitempty"`
	City         string     `json:"city,omitempty"`
	Cities       []CityView `json:"cities"`
	Summary      Summary    `json:"summary"`
	CreatedAt    time.Time  `json:"created_at"`
}

// JobDataResponse は GET /api/job-data のレスポンス本文です。
// 未知の job_id は found=false かつ status=pending で返ります（まだ作成前のジョブと区別できないため）。
type JobDataResponse struct {
	Success bool     `json:"success"`
	Found   bool     `json:"found"`
	Status  Status   `json:"status"`
	Message string   `json:"message,omitempty"`
	Tracked bool     `json:"tracked"`
	Data    *JobData `json:"data,omitempty"`
}

// NewJobData はスナップショットからレスポンス用のデータを組み立てます。
func NewJobData(snap *Snapshot) *JobData {
	data := &JobData{
		JobID:        snap.Job.JobID,
		Domain:       snap.Job.Domain,
		Branche:      snap.Job.Branche,
		Status:       DeriveStatus(snap.Cities),
		ErrorMessage: snap.Job.ErrorMessage,
		CreatedAt:    snap.Job.CreatedAt,
		Cities:       make([]CityView, 0, len(snap.Cities)),
	}
	for _, c := range snap.Cities {
		data.Cities = append(data.Cities, CityView{
			Name:          c.Name,
			Postcode:      c.Postcode,
			Country:       c.Country,
			SubpageID:     c.SubpageID,
			Status:        c.Status,
			GeneratedHTML: c.GeneratedContent,
			ContentType:   c.ContentType,
			UpdatedAt:     c.UpdatedAt,
		})
		data.Summary.Total++
		switch {
		case c.Status == CityCompleted:
			data.Summary.Completed++
			if data.Content == "" {
				data.Content = c.GeneratedContent
			}
		case c.Status.IsError():
			data.Summary.Failed++
		default:
			data.Summary.Pending++
		}
		if data.City == "" {
			data.City = c.Name
		}
	}
	return data
}
