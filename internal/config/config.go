package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"govtech/internal/domain"
)

// Config models govtech.yml.
type Config struct {
	Service struct {
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone"`
	} `yaml:"service"`
	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`
	Calendar struct {
		Start    string   `yaml:"start"`
		End      string   `yaml:"end"`
		Holidays []string `yaml:"holidays"`
	} `yaml:"calendar"`
	SLA      SLA      `yaml:"sla"`
	Workflow Workflow `yaml:"workflow"`
	Escalation struct {
		Interval time.Duration `yaml:"interval"`
		Lock     string        `yaml:"lock"`
		Redis    RedisConfig   `yaml:"redis"`
	} `yaml:"escalation"`
	Projection struct {
		Interval   time.Duration `yaml:"interval"`
		Batch      int           `yaml:"batch"`
		GapTimeout time.Duration `yaml:"gap_timeout"`
	} `yaml:"projection"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telemetry struct {
		Exporter string `yaml:"exporter"`
	} `yaml:"telemetry"`
	Archive   ArchiveConfig             `yaml:"archive"`
	Webhooks  []WebhookConfig           `yaml:"webhooks"`
	Users     []domain.User             `yaml:"users"`
	Templates []domain.ProtocolTemplate `yaml:"templates"`
}

type SLA struct {
	ResponseHours   float64 `yaml:"response_hours"`
	ResolutionHours float64 `yaml:"resolution_hours"`
	UrgentHours     float64 `yaml:"urgent_hours"`
}

type Workflow struct {
	MaxRetries     int           `yaml:"max_retries"`
	StaffRole      domain.Role   `yaml:"staff_role"`
	CancelRoles    []domain.Role `yaml:"cancel_roles"`
	MaxDocuments   int           `yaml:"max_documents"`
	RetentionYears int           `yaml:"retention_years"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
}

type ArchiveConfig struct {
	Driver string `yaml:"driver"`
	Dir    string `yaml:"dir"`
	S3     struct {
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		PathStyle bool   `yaml:"path_style"`
	} `yaml:"s3"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Service.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Service.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config.service.timezone: %w", err)
	}
	return loc, nil
}

// Validate ensures the config meets required structure. Template contents are
// validated by the template registry.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config.storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.storage.driver must be sqlite, postgres or memory")
	}
	start, err := ParseClock(c.Calendar.Start)
	if err != nil {
		return fmt.Errorf("config.calendar.start: %w", err)
	}
	end, err := ParseClock(c.Calendar.End)
	if err != nil {
		return fmt.Errorf("config.calendar.end: %w", err)
	}
	if end <= start {
		return fmt.Errorf("config.calendar.end must be after start")
	}
	for _, h := range c.Calendar.Holidays {
		if !validHoliday(h) {
			return fmt.Errorf("config.calendar.holidays: invalid date %q (use YYYY-MM-DD or MM-DD)", h)
		}
	}
	for name, h := range map[string]float64{
		"response_hours":   c.SLA.ResponseHours,
		"resolution_hours": c.SLA.ResolutionHours,
		"urgent_hours":     c.SLA.UrgentHours,
	} {
		if h <= 0 || !domain.ValidDurationHours(h) {
			return fmt.Errorf("config.sla.%s must be positive and at most %d", name, domain.MaxDurationHours)
		}
	}
	if c.Workflow.MaxRetries < 1 {
		return fmt.Errorf("config.workflow.max_retries must be at least 1")
	}
	if !c.Workflow.StaffRole.Valid() {
		return fmt.Errorf("config.workflow.staff_role %q is not a known role", c.Workflow.StaffRole)
	}
	if len(c.Workflow.CancelRoles) == 0 {
		return fmt.Errorf("config.workflow.cancel_roles is required")
	}
	for _, r := range c.Workflow.CancelRoles {
		if !r.Valid() {
			return fmt.Errorf("config.workflow.cancel_roles contains unknown role %q", r)
		}
	}
	if c.Workflow.MaxDocuments < 1 {
		return fmt.Errorf("config.workflow.max_documents must be positive")
	}
	if c.Escalation.Interval <= 0 {
		return fmt.Errorf("config.escalation.interval must be positive")
	}
	switch c.Escalation.Lock {
	case "local":
	case "redis":
		if c.Escalation.Redis.Addr == "" {
			return fmt.Errorf("config.escalation.redis.addr is required for redis lock")
		}
	default:
		return fmt.Errorf("config.escalation.lock must be local or redis")
	}
	if c.Projection.Interval <= 0 || c.Projection.Batch <= 0 {
		return fmt.Errorf("config.projection interval and batch must be positive")
	}
	switch c.Archive.Driver {
	case "", "memory", "fs":
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("config.archive.s3.bucket is required for s3 driver")
		}
	default:
		return fmt.Errorf("config.archive.driver must be fs, memory or s3")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	for i, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("config.users[%d].id is required", i)
		}
		if !u.Role.Valid() {
			return fmt.Errorf("user %s has unknown role %q", u.ID, u.Role)
		}
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("config.templates is required")
	}
	return nil
}

// ParseClock parses HH:MM into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func validHoliday(s string) bool {
	if _, err := time.Parse("2006-01-02", s); err == nil {
		return true
	}
	_, err := time.Parse("01-02", s)
	return err == nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "govtech.yml")
}

// Load reads the workspace config, falling back to defaults when absent.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromFile(path)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted keys keep
// their default values; lists given in the file replace the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: govtech
  timezone: America/Sao_Paulo

storage:
  driver: sqlite
  dsn: ""

calendar:
  start: "08:00"
  end: "17:00"
  holidays:
    - "01-01"
    - "04-21"
    - "05-01"
    - "09-07"
    - "10-12"
    - "11-02"
    - "11-15"
    - "11-20"
    - "12-25"

sla:
  response_hours: 24
  resolution_hours: 72
  urgent_hours: 4

workflow:
  max_retries: 5
  staff_role: operator
  cancel_roles: [manager, admin]
  max_documents: 20
  retention_years: 7

escalation:
  interval: 5m
  lock: local
  redis:
    addr: ""
    key: govtech:escalation-sweep
    ttl: 2m

projection:
  interval: 1s
  batch: 200
  gap_timeout: 1m

log:
  level: info
  format: json

telemetry:
  exporter: none

archive:
  driver: fs
  dir: archive

users:
  - id: admin
    name: Administrator
    role: admin
    active: true

templates:
  - service_code: ALV_FUNC
    name: Alvará de Funcionamento
    department: ADMIN
    steps:
      - index: 0
        name: Análise Documental
        required_role: operator
        department_hint: ADMIN
        nominal_duration_hours: 4
      - index: 1
        name: Vistoria
        required_role: operator
        department_hint: ADMIN
        nominal_duration_hours: 8
      - index: 2
        name: Emissão do Alvará
        nominal_duration_hours: 1
        is_automated: true

  - service_code: CERT_NEG
    name: Certidão Negativa de Débitos
    department: FINANCE
    steps:
      - index: 0
        name: Consulta Automática
        nominal_duration_hours: 0
        is_automated: true
      - index: 1
        name: Emissão da Certidão
        nominal_duration_hours: 0
        is_automated: true

  - service_code: IPTU_REV
    name: Revisão de IPTU
    department: FINANCE
    steps:
      - index: 0
        name: Triagem Automática
        nominal_duration_hours: 0
        is_automated: true
      - index: 1
        name: Análise Fiscal
        required_role: operator
        department_hint: FINANCE
        nominal_duration_hours: 16
      - index: 2
        name: Parecer
        required_role: manager
        department_hint: FINANCE
        nominal_duration_hours: 8
`
