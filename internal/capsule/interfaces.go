package capsule

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"capsule-go/internal/remote"
)

// Remote is the read side of the remote workspace API. Implementations
// perform exactly one request per call; rate limiting and retries are
// applied by the caller through a remote.Gate.
type Remote interface {
	SearchPages(ctx context.Context, cursor string) (remote.Page[Node], error)
	SearchDatabases(ctx context.Context, cursor string) (remote.Page[Node], error)
	QueryDatabase(ctx context.Context, databaseID string, cursor string) (remote.Page[Node], error)
	GetPage(ctx context.Context, id string) (Node, error)
	GetDatabase(ctx context.Context, id string) (Node, error)
	GetBlocks(ctx context.Context, blockID string, cursor string) (remote.Page[Block], error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Renderer turns node content into the final bytes of its output file.
// links maps block ids to attachment paths relative to the output file.
// Rendering must be deterministic for equal input.
type Renderer interface {
	Render(content *Content, links map[string]string) ([]byte, error)
}

// Filesystem is the output tree, addressed by slash-separated paths
// relative to its root. WriteFile must be atomic: readers observe either
// the previous or the new content, never a partial file.
type Filesystem interface {
	WriteFile(rel string, data []byte) error
	ReadFile(rel string) ([]byte, error)
	Exists(rel string) bool
	Root() string
}

// Matcher reports whether an output path is excluded from the mirror.
type Matcher interface {
	Match(rel string) bool
}

// History records finished runs.
type History interface {
	RecordRun(job string, result *RunResult) error
	ListRuns(limit int) ([]*RunRecord, error)
	LastRun(job string) (*RunRecord, error)
}

// RunRecord is a persisted summary of one run.
type RunRecord struct {
	ID                 string
	Job                string
	StartedAt          time.Time
	FinishedAt         time.Time
	Outcome            Outcome
	Examined           int
	Refreshed          int
	Skipped            int
	Touched            int
	AttachmentsFetched int
	Failures           []Failure
	Generation         int64
}

// Vault is offsite storage for mirrored files and fingerprint snapshots.
// All operations stream so large attachments need not be held twice.
type Vault interface {
	// PutContent stores content identified by its checksum. Storing the
	// same checksum twice is safe. size is the number of bytes in r.
	PutContent(checksum string, r io.Reader, size int64) error

	// GetContent retrieves content by checksum and writes it to w.
	GetContent(checksum string, w io.Writer) error

	// HasContent reports whether content with this checksum is stored.
	HasContent(checksum string) (bool, error)

	// PutMetadata stores a named metadata item for one mirror instance
	// together with a version used for staleness checks.
	PutMetadata(instanceID string, name string, r io.Reader, size int64, version int64) error

	// GetMetadata retrieves a named metadata item and writes it to w.
	GetMetadata(instanceID string, name string, w io.Writer) error

	// GetMetadataVersion returns 0 when nothing has been stored.
	GetMetadataVersion(instanceID string, name string) (int64, error)

	// ValidateSetup verifies that the vault is reachable and writable.
	ValidateSetup() error
}

// Encryptor encrypts vault uploads with a public key. Decryption needs the
// passphrase-protected private key, unlocked into a DecryptionContext.
type Encryptor interface {
	// Setup generates the key pair, protecting the private key with passphrase.
	Setup(passphrase string) error
	Encrypt(r io.Reader, w io.Writer) error
	Unlock(passphrase string) (DecryptionContext, error)
	IsConfigured() bool
}

// DecryptionContext decrypts data for the duration of a restore.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Logger provides structured logging. The args follow slog conventions:
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards all output. Use in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Clock abstracts time so runs are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator produces run identifiers.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
