package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Lllllllleong/filepipelinedashboard/internal/gcp"
)

// Session store backends.
const (
	SessionBackendFile      = "file"
	SessionBackendFirestore = "firestore"
	SessionBackendMemory    = "memory"
)

// Config is the process configuration of the dashboard.
type Config struct {
	GatewayBaseURL string        `yaml:"gatewayBaseUrl" validate:"required,url"`
	GatewayToken   string        `yaml:"gatewayToken"`
	CallTimeout    time.Duration `yaml:"callTimeout" validate:"gt=0"`
	StatusRetries  int           `yaml:"statusRetries" validate:"gte=0,lte=10"`
	Timezone       string        `yaml:"timezone" validate:"required"`

	SessionBackend      string `yaml:"sessionBackend" validate:"oneof=file firestore memory"`
	SessionFile         string `yaml:"sessionFile"`
	ProjectID           string `yaml:"projectId"`
	FirestoreDatabase   string `yaml:"firestoreDatabase"`
	FirestoreCollection string `yaml:"firestoreCollection" validate:"required"`
	SessionDocument     string `yaml:"sessionDocument" validate:"required"`

	ReportBucket     string `yaml:"reportBucket"`
	BuildWorkflowID  string `yaml:"buildWorkflowId"`
	WorkflowLocation string `yaml:"workflowLocation"`
	NoticeSinkURL    string `yaml:"noticeSinkUrl" validate:"omitempty,url"`
	NoticeSource     string `yaml:"noticeSource" validate:"required"`

	ListenHost string `yaml:"listenHost"`
	Port       string `yaml:"port" validate:"required,numeric"`

	DownloadPollInterval time.Duration `yaml:"downloadPollInterval" validate:"gt=0"`
	ImportPollInterval   time.Duration `yaml:"importPollInterval" validate:"gt=0"`
	AutoTriggerInterval  time.Duration `yaml:"autoTriggerInterval" validate:"gt=0"`
	BuildSettleDelay     time.Duration `yaml:"buildSettleDelay" validate:"gte=0"`
	ImportDebounce       time.Duration `yaml:"importDebounce" validate:"gte=0"`
	MaxBuildAttempts     int           `yaml:"maxBuildAttempts" validate:"gte=1"`
	AutoTriggerEnabled   bool          `yaml:"autoTriggerEnabled"`

	// Location is resolved from Timezone by LoadConfig.
	Location *time.Location `yaml:"-" validate:"-"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	orch := DefaultOrchestratorConfig()
	return &Config{
		CallTimeout:          orch.CallTimeout,
		StatusRetries:        2,
		Timezone:             "Local",
		SessionBackend:       SessionBackendFile,
		SessionFile:          "data/session.json",
		FirestoreCollection:  "dashboard",
		SessionDocument:      "processing-session",
		WorkflowLocation:     "us-central1",
		NoticeSource:         "/pipeline-dashboard",
		Port:                 "8080",
		DownloadPollInterval: orch.DownloadPollInterval,
		ImportPollInterval:   orch.ImportPollInterval,
		AutoTriggerInterval:  orch.AutoTriggerInterval,
		BuildSettleDelay:     orch.BuildSettleDelay,
		ImportDebounce:       orch.ImportDebounce,
		MaxBuildAttempts:     orch.MaxBuildAttempts,
		AutoTriggerEnabled:   true,
	}
}

// LoadConfig layers defaults, the YAML file named by CONFIG_FILE, a .env file
// and the process environment, in that order, and validates the result.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return loadConfig(gcp.GetEnv("CONFIG_FILE", ""))
}

func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.GatewayBaseURL = gcp.GetEnv("GATEWAY_BASE_URL", c.GatewayBaseURL)
	c.GatewayToken = gcp.GetEnv("GATEWAY_TOKEN", c.GatewayToken)
	c.CallTimeout = gcp.GetEnvDuration("CALL_TIMEOUT", c.CallTimeout)
	c.StatusRetries = gcp.GetEnvInt("STATUS_RETRIES", c.StatusRetries)
	c.Timezone = gcp.GetEnv("TIMEZONE", c.Timezone)

	c.SessionBackend = gcp.GetEnv("SESSION_BACKEND", c.SessionBackend)
	c.SessionFile = gcp.GetEnv("SESSION_FILE", c.SessionFile)
	c.ProjectID = gcp.GetEnv("PROJECT_ID", c.ProjectID)
	c.FirestoreDatabase = gcp.GetEnv("FIRESTORE_DATABASE", c.FirestoreDatabase)
	c.FirestoreCollection = gcp.GetEnv("FIRESTORE_COLLECTION", c.FirestoreCollection)
	c.SessionDocument = gcp.GetEnv("SESSION_DOCUMENT", c.SessionDocument)

	c.ReportBucket = gcp.GetEnv("REPORT_BUCKET", c.ReportBucket)
	c.BuildWorkflowID = gcp.GetEnv("BUILD_WORKFLOW_ID", c.BuildWorkflowID)
	c.WorkflowLocation = gcp.GetEnv("WORKFLOW_LOCATION", c.WorkflowLocation)
	c.NoticeSinkURL = gcp.GetEnv("NOTICE_SINK_URL", c.NoticeSinkURL)
	c.NoticeSource = gcp.GetEnv("NOTICE_SOURCE", c.NoticeSource)

	c.ListenHost = gcp.GetEnv("LISTEN_HOST", c.ListenHost)
	c.Port = gcp.GetEnv("PORT", c.Port)

	c.DownloadPollInterval = gcp.GetEnvDuration("DOWNLOAD_POLL_INTERVAL", c.DownloadPollInterval)
	c.ImportPollInterval = gcp.GetEnvDuration("IMPORT_POLL_INTERVAL", c.ImportPollInterval)
	c.AutoTriggerInterval = gcp.GetEnvDuration("AUTO_TRIGGER_INTERVAL", c.AutoTriggerInterval)
	c.BuildSettleDelay = gcp.GetEnvDuration("BUILD_SETTLE_DELAY", c.BuildSettleDelay)
	c.ImportDebounce = gcp.GetEnvDuration("IMPORT_DEBOUNCE", c.ImportDebounce)
	c.MaxBuildAttempts = gcp.GetEnvInt("MAX_BUILD_ATTEMPTS", c.MaxBuildAttempts)
	c.AutoTriggerEnabled = gcp.GetEnvBool("AUTO_TRIGGER_ENABLED", c.AutoTriggerEnabled)
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch {
	case c.SessionBackend == SessionBackendFile && c.SessionFile == "":
		return errors.New("invalid configuration: SESSION_FILE is required for the file session backend")
	case c.SessionBackend == SessionBackendFirestore && c.ProjectID == "":
		return errors.New("invalid configuration: PROJECT_ID is required for the firestore session backend")
	case c.BuildWorkflowID != "" && (c.ProjectID == "" || c.WorkflowLocation == ""):
		return errors.New("invalid configuration: PROJECT_ID and WORKFLOW_LOCATION are required with BUILD_WORKFLOW_ID")
	}
	return nil
}

// OrchestratorConfig returns the orchestrator's view of the configuration.
func (c *Config) OrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Location:             c.Location,
		BuildSettleDelay:     c.BuildSettleDelay,
		DownloadPollInterval: c.DownloadPollInterval,
		ImportPollInterval:   c.ImportPollInterval,
		AutoTriggerInterval:  c.AutoTriggerInterval,
		ImportDebounce:       c.ImportDebounce,
		CallTimeout:          c.CallTimeout,
		MaxBuildAttempts:     c.MaxBuildAttempts,
	}
}

// GatewayConfig returns the HTTP gateway's view of the configuration.
func (c *Config) GatewayConfig() HTTPGatewayConfig {
	return HTTPGatewayConfig{
		BaseURL:       c.GatewayBaseURL,
		Token:         c.GatewayToken,
		StatusRetries: c.StatusRetries,
		RetryBackoff:  time.Second,
	}
}
