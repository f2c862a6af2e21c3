package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/yourusername/subpage-forge/internal/poller"
	"github.com/yourusername/subpage-forge/internal/transcode"
)

// Duration は "5s" のような文字列か秒数の数値で書ける期間です。
type Duration struct {
	time.Duration
}

// UnmarshalTOML は toml.Unmarshaler を実装します。
func (d *Duration) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	case int64:
		d.Duration = time.Duration(val) * time.Second
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
	if d.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}

// ClientProfile は cmd/subpage のプロファイルです。
type ClientProfile struct {
	BaseURL             string   `toml:"base_url"`
	OutDir              string   `toml:"out_dir"`
	RequestTimeout      Duration `toml:"request_timeout"`
	InitialDelay        Duration `toml:"initial_delay"`
	Interval            Duration `toml:"interval"`
	SettleDelay         Duration `toml:"settle_delay"`
	MaxAttempts         int      `toml:"max_attempts"`
	TitleTemplate       string   `toml:"title_template"`
	DescriptionTemplate string   `toml:"description_template"`
}

// DefaultClient はプロファイルファイルが無い場合の設定を返します。
func DefaultClient() *ClientProfile {
	pc := poller.DefaultConfig()
	return &ClientProfile{
		BaseURL:             "http://localhost:8080",
		OutDir:              "subpages",
		RequestTimeout:      Duration{30 * time.Second},
		InitialDelay:        Duration{pc.InitialDelay},
		Interval:            Duration{pc.Interval},
		SettleDelay:         Duration{pc.SettleDelay},
		MaxAttempts:         pc.MaxAttempts,
		TitleTemplate:       transcode.DefaultTitleTemplate,
		DescriptionTemplate: transcode.DefaultDescriptionTemplate,
	}
}

// LoadClient は TOML のプロファイルを読み込みます。path が空なら既定値を返します。
// ファイルに書かれていない項目は既定値のままです。
func LoadClient(path string) (*ClientProfile, error) {
	profile := DefaultClient()
	if path == "" {
		return profile, nil
	}
	md, err := toml.DecodeFile(path, profile)
	if err != nil {
		return nil, fmt.Errorf("load client profile %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load client profile %s: unknown keys %v", path, undecoded)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("load client profile %s: %w", path, err)
	}
	return profile, nil
}

// Validate はプロファイルの妥当性を検証します。
func (p *ClientProfile) Validate() error {
	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("base_url is required")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if p.Interval.Duration <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	return nil
}

// PollerConfig はポーリング設定に変換します。
func (p *ClientProfile) PollerConfig() poller.Config {
	return poller.Config{
		InitialDelay: p.InitialDelay.Duration,
		Interval:     p.Interval.Duration,
		MaxAttempts:  p.MaxAttempts,
		SettleDelay:  p.SettleDelay.Duration,
	}
}

// Transcoder はプロファイルの文言で Transcoder を作成します。
func (p *ClientProfile) Transcoder() *transcode.Transcoder {
	t := transcode.New()
	if p.TitleTemplate != "" {
		t.TitleTemplate = p.TitleTemplate
	}
	if p.DescriptionTemplate != "" {
		t.DescriptionTemplate = p.DescriptionTemplate
	}
	return t
}
