package contree

// OperationStatus is the lifecycle state of a remote operation. The strings
// are case-significant on the wire.
type OperationStatus string

const (
	StatusPending   OperationStatus = "PENDING"
	StatusExecuting OperationStatus = "EXECUTING"
	StatusSuccess   OperationStatus = "SUCCESS"
	StatusFailed    OperationStatus = "FAILED"
	StatusCancelled OperationStatus = "CANCELLED"
)

// IsTerminal reports whether no further status change is possible.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// OperationKind distinguishes the two operation families the service runs.
type OperationKind string

const (
	KindInstance    OperationKind = "instance"
	KindImageImport OperationKind = "image_import"
)

// Image is an immutable filesystem snapshot, optionally aliased by a tag.
type Image struct {
	UUID      string `json:"uuid"`
	Tag       string `json:"tag,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type imageListResponse struct {
	Images []Image `json:"images"`
}

// FileRef identifies an uploaded blob by remote UUID and content address.
// NotFound is a cache-only sentinel marking a hash the server does not know;
// the server never sets it.
type FileRef struct {
	UUID     string `json:"uuid"`
	SHA256   string `json:"sha256"`
	NotFound bool   `json:"not_found,omitempty"`
}

// DirectoryEntry is one row of an image directory listing.
type DirectoryEntry struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Size int64  `json:"size,omitempty"`
	Mode string `json:"mode,omitempty"`
	Type string `json:"type,omitempty"`
}

// DirectoryList is the structured form of an image directory listing.
type DirectoryList struct {
	Entries []DirectoryEntry `json:"entries"`
}

// OperationResult carries the output of a terminal operation.
type OperationResult struct {
	Image    string `json:"image,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// OperationResponse is the full state of a remote operation.
type OperationResponse struct {
	UUID      string           `json:"uuid"`
	Kind      OperationKind    `json:"kind"`
	Status    OperationStatus  `json:"status"`
	Result    *OperationResult `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt string           `json:"created_at,omitempty"`
	UpdatedAt string           `json:"updated_at,omitempty"`
}

// OperationSummary is the short form returned by operation listings.
type OperationSummary struct {
	UUID      string          `json:"uuid"`
	Kind      OperationKind   `json:"kind"`
	Status    OperationStatus `json:"status"`
	CreatedAt string          `json:"created_at,omitempty"`
}

type operationListResponse struct {
	Operations []OperationSummary `json:"operations"`
}

type spawnResponse struct {
	UUID string `json:"uuid"`
}

// InstanceFileSpec maps an uploaded blob into an instance's filesystem.
type InstanceFileSpec struct {
	UUID string `json:"uuid"`
	Mode string `json:"mode"`
}

// InstanceSpec describes a command to run in a fresh microVM.
type InstanceSpec struct {
	Command          string                      `json:"command"`
	Image            string                      `json:"image"`
	Shell            bool                        `json:"shell"`
	Args             []string                    `json:"args"`
	Env              map[string]string           `json:"env"`
	Cwd              string                      `json:"cwd"`
	Timeout          int                         `json:"timeout"`
	Hostname         string                      `json:"hostname"`
	Disposable       bool                        `json:"disposable"`
	Stdin            string                      `json:"stdin"`
	TruncateOutputAt int64                       `json:"truncate_output_at"`
	Files            map[string]InstanceFileSpec `json:"files,omitempty"`
}

func (s *InstanceSpec) applyDefaults() {
	if s.Args == nil {
		s.Args = []string{}
	}
	if s.Env == nil {
		s.Env = map[string]string{}
	}
	if s.Cwd == "" {
		s.Cwd = "/root"
	}
	if s.Timeout <= 0 {
		s.Timeout = 30
	}
	if s.Hostname == "" {
		s.Hostname = "linuxkit"
	}
	if s.TruncateOutputAt <= 0 {
		s.TruncateOutputAt = 1048576
	}
}

// RegistryCredentials authenticate an image import against an OCI registry.
type RegistryCredentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type registrySpec struct {
	URL         string               `json:"url"`
	Credentials *RegistryCredentials `json:"credentials,omitempty"`
}

type importImageRequest struct {
	Registry registrySpec `json:"registry"`
	Tag      string       `json:"tag,omitempty"`
	Timeout  int          `json:"timeout"`
}

// ImageLineage is the payload stored for each node of the image lineage
// graph (general cache kind "image").
type ImageLineage struct {
	ParentImage string `json:"parent_image,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	Command     string `json:"command,omitempty"`
	RegistryURL string `json:"registry_url,omitempty"`
	Tag         string `json:"tag,omitempty"`
	IsImport    bool   `json:"is_import,omitempty"`
}

// cache kinds used by the client
const (
	kindImage            = "image"
	kindOperation        = "operation"
	kindListDir          = "list_dir"
	kindListDirText      = "list_dir_text"
	kindReadFile         = "read_file"
	kindFileExists       = "file_exists"
	kindFileByHash       = "file_by_hash"
	kindFileExistsByUUID = "file_exists_by_uuid"
)
