package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/subscription-approval/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	WorkflowJira       = "JIRA"
	WorkflowMockAccept = "MOCK_ACCEPT"
	WorkflowMockReject = "MOCK_REJECT"

	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverJetStream = "jetstream"
	DriverDataZone  = "datazone"
	DriverLog       = "log"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Storage  StorageConfig  `yaml:"storage"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Jira     JiraConfig     `yaml:"jira"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Queue    QueueConfig    `yaml:"queue"`
	Trigger  TriggerConfig  `yaml:"trigger"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
}

type WorkflowConfig struct {
	Type              string        `yaml:"type"`
	DefaultApproverID string        `yaml:"default_approver_id"`
	PollingFrequency  time.Duration `yaml:"polling_frequency"`
	ResiliencyEnabled bool          `yaml:"resiliency_enabled"`
	ExecutionTimeout  time.Duration `yaml:"execution_timeout"`
	ReportTimeout     time.Duration `yaml:"report_timeout"`
	// ThrottleInterval — минимальный интервал между вызовами API тикетов.
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
}

type JiraConfig struct {
	Domain           string   `yaml:"domain"`
	ProjectKey       string   `yaml:"project_key"`
	IssueTypeID      string   `yaml:"issue_type_id"`
	SecretID         string   `yaml:"secret_id"`
	Username         string   `yaml:"username"`
	Token            string   `yaml:"token"`
	ApprovedStatuses []string `yaml:"approved_statuses"`
	RejectedStatuses []string `yaml:"rejected_statuses"`
}

type CatalogConfig struct {
	Driver              string `yaml:"driver"`
	Region              string `yaml:"region"`
	DomainID            string `yaml:"domain_id"`
	SubscriptionRoleARN string `yaml:"subscription_role_arn"`
	AccessKeyID         string `yaml:"access_key_id"`
	SecretAccessKey     string `yaml:"secret_access_key"`
}

type QueueConfig struct {
	Driver          string        `yaml:"driver"`
	NatsURL         string        `yaml:"nats_url"`
	Stream          string        `yaml:"stream"`
	Subject         string        `yaml:"subject"`
	DeadSubject     string        `yaml:"dead_subject"`
	MaxReceiveCount int           `yaml:"max_receive_count"`
	Visibility      time.Duration `yaml:"visibility"`
	DeliveryDelay   time.Duration `yaml:"delivery_delay"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
	BatchSize       int           `yaml:"batch_size"`
	// FetchWait — сколько ждать сообщений в одной выборке, Idle — пауза после пустой.
	FetchWait time.Duration `yaml:"fetch_wait"`
	Idle      time.Duration `yaml:"idle"`
}

type TriggerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	NatsURL   string `yaml:"nats_url"`
	Subject   string `yaml:"subject"`
	Durable   string `yaml:"durable"`
}

// Default — значения по умолчанию, совпадающие с исходной инфраструктурой.
func Default() Config {
	return Config{
		HTTP:    HTTPConfig{Address: ":8080"},
		Storage: StorageConfig{Driver: DriverMemory},
		Workflow: WorkflowConfig{
			Type:             WorkflowMockAccept,
			PollingFrequency: 30 * time.Second,
			ExecutionTimeout: 900 * time.Second,
			ReportTimeout:    300 * time.Second,
			ThrottleInterval: 2 * time.Second,
		},
		Jira: JiraConfig{
			IssueTypeID:      "10004",
			ApprovedStatuses: []string{"Approved", "Accepted"},
			RejectedStatuses: []string{"Rejected", "Declined"},
		},
		Catalog: CatalogConfig{Driver: DriverLog},
		Queue: QueueConfig{
			Driver:          DriverMemory,
			Stream:          "SUBSCRIPTION_APPROVAL",
			Subject:         "approval.poll",
			DeadSubject:     "approval.dead",
			MaxReceiveCount: 6,
			Visibility:      15 * time.Minute,
			DeliveryDelay:   20 * time.Second,
			DedupWindow:     5 * time.Minute,
			BatchSize:       5,
			FetchWait:       5 * time.Second,
			Idle:            5 * time.Second,
		},
		Trigger: TriggerConfig{
			ClusterID: "approval-cluster",
			NatsURL:   "nats://localhost:4222",
			Subject:   "datazone.subscription.created",
			Durable:   "approval-durable",
		},
	}
}

// Load reads the optional YAML file at path, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDR", &c.HTTP.Address)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("WORKFLOW_TYPE", &c.Workflow.Type)
	str("SUBSCRIPTION_DEFAULT_APPROVER_ID", &c.Workflow.DefaultApproverID)
	str("JIRA_DOMAIN", &c.Jira.Domain)
	str("JIRA_PROJECT_KEY", &c.Jira.ProjectKey)
	str("JIRA_ISSUETYPE_ID", &c.Jira.IssueTypeID)
	str("JIRA_SECRET_ARN", &c.Jira.SecretID)
	str("JIRA_USERNAME", &c.Jira.Username)
	str("JIRA_TOKEN", &c.Jira.Token)
	str("CATALOG_DRIVER", &c.Catalog.Driver)
	str("AWS_REGION", &c.Catalog.Region)
	str("DZ_DOMAIN_ID", &c.Catalog.DomainID)
	str("SUBSCRIPTION_CHANGE_ROLE_ARN", &c.Catalog.SubscriptionRoleARN)
	str("QUEUE_DRIVER", &c.Queue.Driver)
	str("NATS_URL", &c.Queue.NatsURL)
	str("STAN_CLUSTER_ID", &c.Trigger.ClusterID)
	str("STAN_CLIENT_ID", &c.Trigger.ClientID)
	str("STAN_NATS_URL", &c.Trigger.NatsURL)
	str("STAN_SUBJECT", &c.Trigger.Subject)

	if v, ok := lookup("JIRA_POLLING_FREQUENCY"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JIRA_POLLING_FREQUENCY: %w", err)
		}
		c.Workflow.PollingFrequency = time.Duration(secs) * time.Second
	}
	for key, dst := range map[string]*bool{
		"RESILIENCY_ENABLED": &c.Workflow.ResiliencyEnabled,
		"STAN_ENABLED":       &c.Trigger.Enabled,
	} {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

// Validate returns a configuration error describing every problem found.
func (c Config) Validate() error {
	var errs []error
	switch c.Workflow.Type {
	case WorkflowMockAccept, WorkflowMockReject:
	case WorkflowJira:
		if c.Jira.Domain == "" {
			errs = append(errs, errors.New("jira domain is required"))
		}
		if c.Jira.ProjectKey == "" {
			errs = append(errs, errors.New("jira project key is required"))
		}
		if c.Jira.SecretID == "" && (c.Jira.Username == "" || c.Jira.Token == "") {
			errs = append(errs, errors.New("jira credential is required: secret id or username and token"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported workflow type %q, try one of: %s", c.Workflow.Type,
			strings.Join([]string{WorkflowMockAccept, WorkflowMockReject, WorkflowJira}, ", ")))
	}
	if c.Workflow.DefaultApproverID == "" {
		errs = append(errs, errors.New("default approver id is required"))
	}
	for name, d := range map[string]time.Duration{
		"polling frequency": c.Workflow.PollingFrequency,
		"execution timeout": c.Workflow.ExecutionTimeout,
		"report timeout":    c.Workflow.ReportTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("database url is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}
	switch c.Catalog.Driver {
	case DriverLog:
	case DriverDataZone:
		if c.Catalog.DomainID == "" {
			errs = append(errs, errors.New("catalog domain id is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported catalog driver %q", c.Catalog.Driver))
	}
	if c.Workflow.ResiliencyEnabled {
		switch c.Queue.Driver {
		case DriverMemory:
		case DriverJetStream:
			if c.Queue.NatsURL == "" {
				errs = append(errs, errors.New("nats url is required for jetstream queue"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported queue driver %q", c.Queue.Driver))
		}
		if c.Queue.MaxReceiveCount <= 0 || c.Queue.BatchSize <= 0 {
			errs = append(errs, errors.New("queue max receive count and batch size must be positive"))
		}
	}
	if len(errs) > 0 {
		return domain.Configuration("config", errors.Join(errs...))
	}
	return nil
}

// Mode returns the polling strategy new executions start with.
func (c Config) Mode() domain.Mode {
	if c.Workflow.ResiliencyEnabled {
		return domain.ModeQueuedPolling
	}
	return domain.ModeDirectPolling
}
