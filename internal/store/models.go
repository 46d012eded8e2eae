package store

// Build statuses.
const (
	BuildQueued    = "queued"
	BuildBuilding  = "building"
	BuildSuccess   = "success"
	BuildFailed    = "failed"
	BuildCancelled = "cancelled"
)

// Build result statuses.
const (
	ResultPending  = "pending"
	ResultBuilding = "building"
	ResultSuccess  = "success"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

// Deployment statuses.
const (
	DeployPending     = "pending"
	DeployBuilding    = "building"
	DeployActive      = "active"
	DeployFailed      = "failed"
	DeployTearingDown = "tearing_down"
	DeployTornDown    = "torn_down"
)

// DNS record statuses on deployments.
const (
	DNSPending = "pending"
	DNSActive  = "active"
)

// Environments derived from git refs.
const (
	EnvProd    = "prod"
	EnvStaging = "staging"
	EnvDev     = "dev"
	EnvPreview = "preview"
)

// Service types.
const (
	ServiceTypeService = "service"
	ServiceTypeStatic  = "static"
	ServiceTypeImage   = "image"
)

// Repo types.
const (
	RepoForgejo = "forgejo"
	RepoGitHub  = "github"
)

type Project struct {
	Name          string `db:"name"`
	RepoURL       string `db:"repo_url"`
	RepoType      string `db:"repo_type"`
	WebhookSecret string `db:"webhook_secret"`
	DefaultBranch string `db:"default_branch"`
}

type Service struct {
	ID                     int64   `db:"id"`
	Project                string  `db:"project"`
	Name                   string  `db:"name"`
	Type                   string  `db:"type"`
	Package                *string `db:"package"`
	CustomDomain           *string `db:"custom_domain"`
	SPA                    bool    `db:"spa"`
	HealthCheckPath        string  `db:"health_check_path"`
	HealthCheckTimeoutSecs int     `db:"health_check_timeout_secs"`
	PreviewDatabase        bool    `db:"preview_database"`
}

type Build struct {
	ID         int64   `db:"id"`
	Project    string  `db:"project"`
	Branch     string  `db:"branch"`
	GitRef     string  `db:"git_ref"`
	CommitSHA  string  `db:"commit_sha"`
	Status     string  `db:"status"`
	Author     *string `db:"author"`
	CreatedAt  int64   `db:"created_at"`
	StartedAt  *int64  `db:"started_at"`
	FinishedAt *int64  `db:"finished_at"`
}

type BuildResult struct {
	ID           int64   `db:"id"`
	BuildID      int64   `db:"build_id"`
	ServiceName  string  `db:"service_name"`
	Status       string  `db:"status"`
	StorePath    *string `db:"store_path"`
	LogPath      *string `db:"log_path"`
	ErrorMessage *string `db:"error_message"`
	Changed      bool    `db:"changed"`
}

type Deployment struct {
	ID           int64  `db:"id"`
	Project      string `db:"project"`
	Service      string `db:"service"`
	Branch       string `db:"branch"`
	BranchSlug   string `db:"branch_slug"`
	Environment  string `db:"environment"`
	GitRef       string `db:"git_ref"`
	StorePath    string `db:"store_path"`
	Port         *int   `db:"port"`
	Status       string `db:"status"`
	Domain       string `db:"domain"`
	DNSStatus    string `db:"dns_status"`
	CreatedAt    int64  `db:"created_at"`
	LastActivity int64  `db:"last_activity"`
}

// DeploymentWithService joins a deployment against its service row so the
// router can build routes without a second lookup.
type DeploymentWithService struct {
	Deployment
	CustomDomain *string `db:"custom_domain"`
	SPA          bool    `db:"spa"`
	ServiceType  string  `db:"type"`
}

type PortAllocation struct {
	Port         int    `db:"port"`
	DeploymentID *int64 `db:"deployment_id"`
	Project      string `db:"project"`
	Service      string `db:"service"`
	Branch       string `db:"branch"`
	AllocatedAt  int64  `db:"allocated_at"`
}

type PreviewDatabase struct {
	ID           int64  `db:"id"`
	Project      string `db:"project"`
	Branch       string `db:"branch"`
	ValkeyDB     int    `db:"valkey_db"`
	DatabaseName string `db:"database_name"`
}

type DNSRecord struct {
	ID               int64  `db:"id"`
	Domain           string `db:"domain"`
	DeploymentID     *int64 `db:"deployment_id"`
	ProviderRecordID string `db:"provider_record_id"`
	RecordType       string `db:"record_type"`
	IPAddress        string `db:"ip_address"`
	CreatedAt        int64  `db:"created_at"`
}
