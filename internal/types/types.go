package types

import "time"

// NodeStatus is the lifecycle state of a managed Node.
type NodeStatus string

const (
	NodeStatusPending  NodeStatus = "PENDING"
	NodeStatusActive   NodeStatus = "ACTIVE"
	NodeStatusBlocked  NodeStatus = "BLOCKED"
	NodeStatusInactive NodeStatus = "INACTIVE"
)

// Node is a managed server running the backup daemon.
type Node struct {
	ID                int64
	UUID              string
	Hostname          string
	Address           string
	Status            NodeStatus
	RegistrationCode  string // set at enrollment; cleared once an ACTIVE node has collected its API key
	HashedAPIKey      string
	StorageQuotaBytes int64
	StorageUsedBytes  int64
	CreatedAt         time.Time
	LastSeenAt        time.Time
}

// ScheduleFrequency is how often a Site's backup recurs.
type ScheduleFrequency string

const (
	ScheduleManual  ScheduleFrequency = "manual"
	ScheduleDaily   ScheduleFrequency = "daily"
	ScheduleWeekly  ScheduleFrequency = "weekly"
	ScheduleMonthly ScheduleFrequency = "monthly"
)

// Schedule describes when a Site's backup should next run.
//
// DayMask is a CSV bitfield exactly as accepted at the API: for
// ScheduleWeekly it is a comma-separated list of weekday indices (0=Sunday),
// for ScheduleMonthly a comma-separated list of day-of-month values.
type Schedule struct {
	Frequency       ScheduleFrequency
	TimeOfDay       string // "HH:MM" in the site's local zone
	DayMask         string
	RetentionCopies int
}

// Site is one WordPress installation on a Node.
type Site struct {
	ID                int64
	UUID              string
	NodeID            int64
	Name              string
	Timezone          string // IANA zone name; default Africa/Harare
	WPConfigPath      string
	WPContentPath     string
	DBHost            string
	DBName            string
	DBUser            string
	DBPassword        string // plaintext, process memory only
	StorageQuotaBytes int64
	StorageUsedBytes  int64
	QuotaExceededAt   *time.Time
	Schedule          Schedule
	NextRunAt         *time.Time
	StorageProviderID int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BackupStatus is the terminal or in-flight status of a Backup record.
type BackupStatus string

const (
	BackupStatusRunning BackupStatus = "RUNNING"
	BackupStatusSuccess BackupStatus = "SUCCESS"
	BackupStatusFailed  BackupStatus = "FAILED"
	BackupStatusDeleted BackupStatus = "DELETED"
)

// Backup is one archived snapshot of a Site.
type Backup struct {
	ID                int64
	UUID              string
	SiteID            int64
	Filename          string
	SizeBytes         int64
	ObjectPath        string
	StorageProviderID int64
	Status            BackupStatus
	ScheduledDeletion *time.Time
	BackupType        string // always "full"
	ErrorKind         string
	ErrorMessage      string
	CreatedAt         time.Time
}

// StorageProviderType distinguishes the object-store backend.
type StorageProviderType string

const (
	StorageProviderS3    StorageProviderType = "s3"
	StorageProviderLocal StorageProviderType = "local"
)

// StorageProvider is an S3-compatible (or local) object-store target.
//
// SealedAccessKey and SealedSecretKey are ciphertext produced by
// internal/security's seal; they are only ever decrypted into volatile
// memory for the duration of one upload or reconciliation call.
type StorageProvider struct {
	ID                int64
	UUID              string
	Type              StorageProviderType
	Endpoint          string
	Region            string
	Bucket            string
	SealedAccessKey   []byte
	SealedSecretKey   []byte
	KeyGeneration     int
	StorageLimitBytes int64
	StorageUsedBytes  int64
	IsDefault         bool
	IsActive          bool
	CreatedAt         time.Time
}

// ProgressState is the lifecycle state of a Site's live backup row.
type ProgressState string

const (
	ProgressIdle      ProgressState = "IDLE"
	ProgressRunning   ProgressState = "RUNNING"
	ProgressCompleted ProgressState = "COMPLETED"
	ProgressFailed    ProgressState = "FAILED"
	ProgressStopped   ProgressState = "STOPPED"
)

// IsTerminal reports whether the state admits no further transition within
// the same epoch.
func (s ProgressState) IsTerminal() bool {
	switch s {
	case ProgressCompleted, ProgressFailed, ProgressStopped:
		return true
	default:
		return false
	}
}

// ProgressRow is the single per-site live record of an in-flight backup.
type ProgressRow struct {
	SiteID                int64
	BackupID              int64
	Epoch                 int64
	State                 ProgressState
	ProgressPercent       float64
	Stage                 string
	Message               string
	BytesProcessed        int64
	BytesTotal            int64
	ErrorKind             string
	ErrorMessage          string
	StartedAt             time.Time
	UpdatedAt             time.Time
	CancellationRequested bool
}

// Clone returns a deep-enough copy safe to hand to a reader without
// aliasing mutable fields back into the authoritative row.
func (p ProgressRow) Clone() ProgressRow {
	return p
}

// ActivityEntry is one append-only row in the activity log.
type ActivityEntry struct {
	ID         int64
	Actor      string
	Action     string
	Target     string
	SourceAddr string
	UserAgent  string
	Timestamp  time.Time
	Detail     map[string]any
}

// Role is a principal's position in the RBAC hierarchy.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleNodeAdmin  Role = "node_admin"
	RoleSiteAdmin  Role = "site_admin"
)

// TokenScope distinguishes a fully-authenticated bearer token from a
// transitional one usable only to redeem an OTP.
type TokenScope string

const (
	ScopeFull       TokenScope = "full"
	ScopeMFAPending TokenScope = "mfa-pending"
)

// User is a Master-side principal: a super_admin, node_admin, or
// site_admin. Assignment to specific nodes/sites for the latter two
// roles is tracked by separate M:N relations, not on this struct.
// User/role CRUD over HTTP is out of scope; users are provisioned by
// migration or operator tooling.
type User struct {
	ID             int64
	Username       string
	PasswordHash   string
	Role           Role
	MFASecret      string // TOTP seed, empty if MFA is not enabled
	MFAEnabled     bool
	CreatedAt      time.Time
	LastLoginAt    *time.Time
}
