package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"riskguard/internal/baseline"
	"riskguard/internal/model"
	"riskguard/internal/ratelimit"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFormat   string            `json:"log_format" yaml:"log_format"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Scoring     ScoringConfig     `json:"scoring" yaml:"scoring"`
	Baseline    BaselineConfig    `json:"baseline" yaml:"baseline"`
	Trust       TrustConfig       `json:"trust" yaml:"trust"`
	RateLimit   RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Geocode     GeocodeConfig     `json:"geocode" yaml:"geocode"`
	Alert       AlertConfig       `json:"alert" yaml:"alert"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig  `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
	// Timezone applies to timestamps that carry no zone of their own.
	Timezone string `json:"timezone" yaml:"timezone"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// ScoringConfig drives the risk engine. The weight table ships with
// placeholder values; operators are expected to tune it.
type ScoringConfig struct {
	Weights          map[string]int `json:"weights" yaml:"weights"`
	Timezone         string         `json:"timezone" yaml:"timezone"`
	EvaluateOnSubmit bool           `json:"evaluate_on_submit" yaml:"evaluate_on_submit"`
	DedupeWindow     time.Duration  `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew     time.Duration  `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew    time.Duration  `json:"max_future_skew" yaml:"max_future_skew"`
	EvaluateBatch    int            `json:"evaluate_batch" yaml:"evaluate_batch"`
}

type BaselineConfig struct {
	ClusterRadiusMeters  float64 `json:"cluster_radius_meters" yaml:"cluster_radius_meters"`
	LocationMaturityHits int     `json:"location_maturity_hits" yaml:"location_maturity_hits"`
	LocationMinSamples   int     `json:"location_min_samples" yaml:"location_min_samples"`
	LocationSaturation   int     `json:"location_saturation" yaml:"location_saturation"`
	UsageMinSamples      int     `json:"usage_min_samples" yaml:"usage_min_samples"`
	UsageSaturation      int     `json:"usage_saturation" yaml:"usage_saturation"`
	UnusualHourFraction  float64 `json:"unusual_hour_fraction" yaml:"unusual_hour_fraction"`
	CadenceMinDays       int     `json:"cadence_min_days" yaml:"cadence_min_days"`
	CadenceSaturation    int     `json:"cadence_saturation" yaml:"cadence_saturation"`
	DurationMinSamples   int     `json:"duration_min_samples" yaml:"duration_min_samples"`
	DurationSaturation   int     `json:"duration_saturation" yaml:"duration_saturation"`
	DurationZThreshold   float64 `json:"duration_z_threshold" yaml:"duration_z_threshold"`
	NetworkMinSamples    int     `json:"network_min_samples" yaml:"network_min_samples"`
	NetworkSaturation    int     `json:"network_saturation" yaml:"network_saturation"`
	LearningDays         int     `json:"learning_days" yaml:"learning_days"`
}

type TrustConfig struct {
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
}

type RateLimitConfig struct {
	DefaultPerMinute int            `json:"default_per_minute" yaml:"default_per_minute"`
	DefaultBurstSize int            `json:"default_burst_size" yaml:"default_burst_size"`
	Endpoints        map[string]int `json:"endpoints" yaml:"endpoints"`
}

type GeocodeConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	URL      string        `json:"url" yaml:"url"`
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

type AlertConfig struct {
	Threshold       int            `json:"threshold" yaml:"threshold"`
	Cooldown        time.Duration  `json:"cooldown" yaml:"cooldown"`
	Recipient       string         `json:"recipient" yaml:"recipient"`
	CredentialsFile string         `json:"credentials_file" yaml:"credentials_file"`
	CaptureEnabled  bool           `json:"capture_enabled" yaml:"capture_enabled"`
	AuditLimit      int            `json:"audit_limit" yaml:"audit_limit"`
	Delivery        DeliveryConfig `json:"delivery" yaml:"delivery"`
	Capture         CaptureConfig  `json:"capture" yaml:"capture"`
}

type DeliveryConfig struct {
	Driver   string   `json:"driver" yaml:"driver"`
	Brokers  []string `json:"brokers" yaml:"brokers"`
	Topic    string   `json:"topic" yaml:"topic"`
	Attempts uint     `json:"attempts" yaml:"attempts"`
}

type CaptureConfig struct {
	Driver      string        `json:"driver" yaml:"driver"`
	MaxFailures uint32        `json:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
	CaptureDir  string        `json:"capture_dir" yaml:"capture_dir"`
}

type NotifyConfig struct {
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type MaintenanceConfig struct {
	Interval        time.Duration `json:"interval" yaml:"interval"`
	SignalRetention time.Duration `json:"signal_retention" yaml:"signal_retention"`
	ScoreRetention  time.Duration `json:"score_retention" yaml:"score_retention"`
	AuditRetention  time.Duration `json:"audit_retention" yaml:"audit_retention"`
}

// DefaultWeights is a placeholder table; the values are not calibrated.
func DefaultWeights() map[string]int {
	return map[string]int{
		string(model.SignalRootDetected):         40,
		string(model.SignalEmulatorDetected):     30,
		string(model.SignalDebuggerAttached):     30,
		string(model.SignalHookingFramework):     40,
		string(model.SignalTamperingDetected):    40,
		string(model.SignalSIMChanged):           30,
		string(model.SignalSIMRemoved):           25,
		string(model.SignalLocationAnomaly):      25,
		string(model.SignalUnusualUsageTime):     10,
		string(model.SignalSessionAnomaly):       10,
		string(model.SignalUnknownNetwork):       10,
		string(model.SignalUnlockFailed):         10,
		string(model.SignalBiometricFailed):      5,
		string(model.SignalNetworkChanged):       5,
		string(model.SignalVPNEnabled):           5,
		string(model.SignalAirplaneMode):         5,
		string(model.SignalDeviceRebooted):       5,
		string(model.SignalUSBDebugging):         15,
		string(model.SignalDeveloperOptions):     10,
		string(model.SignalUnknownSources):       15,
		string(model.SignalAccessibilityService): 15,
		string(model.SignalScreenOverlay):        20,
		string(model.SignalPackageInstalled):     5,
	}
}

func defaultBaseline() BaselineConfig {
	d := baseline.DefaultConfig()
	return BaselineConfig{
		ClusterRadiusMeters:  d.ClusterRadiusMeters,
		LocationMaturityHits: d.LocationMaturityHits,
		LocationMinSamples:   d.LocationMinSamples,
		LocationSaturation:   d.LocationSaturation,
		UsageMinSamples:      d.UsageMinSamples,
		UsageSaturation:      d.UsageSaturation,
		UnusualHourFraction:  d.UnusualHourFraction,
		CadenceMinDays:       d.CadenceMinDays,
		CadenceSaturation:    d.CadenceSaturation,
		DurationMinSamples:   d.DurationMinSamples,
		DurationSaturation:   d.DurationSaturation,
		DurationZThreshold:   d.DurationZThreshold,
		NetworkMinSamples:    d.NetworkMinSamples,
		NetworkSaturation:    d.NetworkSaturation,
		LearningDays:         d.LearningDays,
	}
}

func DefaultConfig() *Config {
	rl := ratelimit.DefaultConfig()
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
			Timezone:      "UTC",
		},
		Scoring: ScoringConfig{
			Weights:          DefaultWeights(),
			Timezone:         "Local",
			EvaluateOnSubmit: true,
			DedupeWindow:     1 * time.Second,
			MaxClockSkew:     24 * time.Hour,
			MaxFutureSkew:    5 * time.Minute,
			EvaluateBatch:    500,
		},
		Baseline: defaultBaseline(),
		Trust:    TrustConfig{Duration: 24 * time.Hour, Multiplier: 0.5},
		RateLimit: RateLimitConfig{
			DefaultPerMinute: rl.DefaultPerMinute,
			DefaultBurstSize: rl.DefaultBurstSize,
			Endpoints:        rl.Endpoints,
		},
		Geocode: GeocodeConfig{Enabled: false, Endpoint: "geolocation", Timeout: 5 * time.Second},
		Alert: AlertConfig{
			Threshold:  model.HighThreshold,
			Cooldown:   30 * time.Minute,
			AuditLimit: 100,
			Delivery:   DeliveryConfig{Driver: "log", Topic: "riskguard.alerts", Attempts: 3},
			Capture:    CaptureConfig{Driver: "log", MaxFailures: 3, OpenTimeout: time.Minute},
		},
		Notify:  NotifyConfig{Redis: RedisConfig{Enabled: false, Addr: "localhost:6379", Channel: "riskguard:score"}},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:riskguard.db?_pragma=busy_timeout(5000)"},
		Maintenance: MaintenanceConfig{
			Interval:        15 * time.Minute,
			SignalRetention: 30 * 24 * time.Hour,
			ScoreRetention:  90 * 24 * time.Hour,
			AuditRetention:  90 * 24 * time.Hour,
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	// a file that sets weights replaces the table rather than merging into it
	cfg.Scoring.Weights = nil
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if len(cfg.Scoring.Weights) == 0 {
		cfg.Scoring.Weights = def.Scoring.Weights
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Timezone == "" {
		cfg.Ingest.Timezone = "UTC"
	}
	if cfg.Scoring.Timezone == "" {
		cfg.Scoring.Timezone = "Local"
	}
	if cfg.Scoring.EvaluateBatch <= 0 {
		cfg.Scoring.EvaluateBatch = def.Scoring.EvaluateBatch
	}
	if cfg.Baseline.ClusterRadiusMeters <= 0 {
		cfg.Baseline.ClusterRadiusMeters = def.Baseline.ClusterRadiusMeters
	}
	if cfg.Baseline.LocationMaturityHits <= 0 {
		cfg.Baseline.LocationMaturityHits = def.Baseline.LocationMaturityHits
	}
	if cfg.Baseline.LearningDays <= 0 {
		cfg.Baseline.LearningDays = def.Baseline.LearningDays
	}
	if cfg.Baseline.DurationZThreshold <= 0 {
		cfg.Baseline.DurationZThreshold = def.Baseline.DurationZThreshold
	}
	if cfg.Baseline.UnusualHourFraction <= 0 {
		cfg.Baseline.UnusualHourFraction = def.Baseline.UnusualHourFraction
	}
	if cfg.Trust.Duration <= 0 {
		cfg.Trust.Duration = def.Trust.Duration
	}
	if cfg.Trust.Multiplier <= 0 {
		cfg.Trust.Multiplier = def.Trust.Multiplier
	}
	if cfg.RateLimit.DefaultPerMinute <= 0 {
		cfg.RateLimit.DefaultPerMinute = def.RateLimit.DefaultPerMinute
	}
	if cfg.RateLimit.DefaultBurstSize <= 0 {
		cfg.RateLimit.DefaultBurstSize = def.RateLimit.DefaultBurstSize
	}
	if cfg.Geocode.Endpoint == "" {
		cfg.Geocode.Endpoint = def.Geocode.Endpoint
	}
	if cfg.Alert.Threshold <= 0 {
		cfg.Alert.Threshold = def.Alert.Threshold
	}
	if cfg.Alert.AuditLimit <= 0 {
		cfg.Alert.AuditLimit = def.Alert.AuditLimit
	}
	if cfg.Alert.Delivery.Driver == "" {
		cfg.Alert.Delivery.Driver = "log"
	}
	if cfg.Alert.Delivery.Attempts == 0 {
		cfg.Alert.Delivery.Attempts = def.Alert.Delivery.Attempts
	}
	if cfg.Alert.Capture.Driver == "" {
		cfg.Alert.Capture.Driver = "log"
	}
	if cfg.Notify.Redis.Channel == "" {
		cfg.Notify.Redis.Channel = def.Notify.Redis.Channel
	}
	if cfg.Maintenance.Interval <= 0 {
		cfg.Maintenance.Interval = def.Maintenance.Interval
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	for name, w := range cfg.Scoring.Weights {
		if _, err := model.ParseSignalType(name); err != nil {
			return fmt.Errorf("scoring.weights: %q: %w", name, err)
		}
		if w < 0 {
			return fmt.Errorf("scoring.weights: %q must be >= 0", name)
		}
	}
	if _, err := LoadLocation(cfg.Scoring.Timezone); err != nil {
		return fmt.Errorf("scoring.timezone: %w", err)
	}
	if _, err := LoadLocation(cfg.Ingest.Timezone); err != nil {
		return fmt.Errorf("ingest.timezone: %w", err)
	}
	if cfg.Trust.Multiplier > 1 {
		return errors.New("trust.multiplier must be in (0, 1]")
	}
	if cfg.Baseline.UnusualHourFraction >= 1 {
		return errors.New("baseline.unusual_hour_fraction must be < 1")
	}
	switch strings.ToLower(cfg.Alert.Delivery.Driver) {
	case "log":
	case "kafka":
		if len(cfg.Alert.Delivery.Brokers) == 0 || cfg.Alert.Delivery.Topic == "" {
			return errors.New("alert.delivery kafka requires brokers and topic")
		}
	default:
		return fmt.Errorf("alert.delivery.driver %q not supported", cfg.Alert.Delivery.Driver)
	}
	switch strings.ToLower(cfg.Alert.Capture.Driver) {
	case "log", "platform":
	default:
		return fmt.Errorf("alert.capture.driver %q not supported", cfg.Alert.Capture.Driver)
	}
	if cfg.Geocode.Enabled && cfg.Geocode.URL == "" {
		return errors.New("geocode.url required when geocode.enabled is true")
	}
	if cfg.Notify.Redis.Enabled && cfg.Notify.Redis.Addr == "" {
		return errors.New("notify.redis.addr required when notify.redis.enabled is true")
	}
	for name, d := range map[string]time.Duration{
		"maintenance.signal_retention": cfg.Maintenance.SignalRetention,
		"maintenance.score_retention":  cfg.Maintenance.ScoreRetention,
		"maintenance.audit_retention":  cfg.Maintenance.AuditRetention,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// LoadLocation accepts "Local", "UTC" or an IANA zone name.
func LoadLocation(name string) (*time.Location, error) {
	switch strings.TrimSpace(name) {
	case "", "Local", "local":
		return time.Local, nil
	case "UTC", "utc":
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// SignalWeights resolves the weight table to signal types. Unknown names
// were rejected by Validate and are skipped here.
func (c ScoringConfig) SignalWeights() map[model.SignalType]int {
	out := make(map[model.SignalType]int, len(c.Weights))
	for name, w := range c.Weights {
		t, err := model.ParseSignalType(name)
		if err != nil || w < 0 {
			continue
		}
		out[t] = w
	}
	return out
}

func (c BaselineConfig) Settings(loc *time.Location) baseline.Config {
	return baseline.Config{
		Location:             loc,
		ClusterRadiusMeters:  c.ClusterRadiusMeters,
		LocationMaturityHits: c.LocationMaturityHits,
		LocationMinSamples:   c.LocationMinSamples,
		LocationSaturation:   c.LocationSaturation,
		UsageMinSamples:      c.UsageMinSamples,
		UsageSaturation:      c.UsageSaturation,
		UnusualHourFraction:  c.UnusualHourFraction,
		CadenceMinDays:       c.CadenceMinDays,
		CadenceSaturation:    c.CadenceSaturation,
		DurationMinSamples:   c.DurationMinSamples,
		DurationSaturation:   c.DurationSaturation,
		DurationZThreshold:   c.DurationZThreshold,
		NetworkMinSamples:    c.NetworkMinSamples,
		NetworkSaturation:    c.NetworkSaturation,
		LearningDays:         c.LearningDays,
	}
}

func (c RateLimitConfig) Settings() ratelimit.Config {
	return ratelimit.Config{
		DefaultPerMinute: c.DefaultPerMinute,
		DefaultBurstSize: c.DefaultBurstSize,
		Endpoints:        c.Endpoints,
	}
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file; it never reloads.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
