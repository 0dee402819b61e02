package hosting

import (
	"fmt"
	"regexp"
	"time"
)

// DeploymentTarget is one (key, URLs) tuple the control plane hands back
// during the prepare phase. The key becomes part of both URLs.
type DeploymentTarget struct {
	Key       string `json:"key"`
	APIURL    string `json:"api_url"`
	DeployURL string `json:"deploy_url"`
}

// PrepareRequest asks the control plane to negotiate a deployment slot.
// Key is set only when the caller explicitly requests a name; when absent
// the server suggests one.
type PrepareRequest struct {
	AppName          string `json:"app_name"`
	Key              string `json:"key,omitempty"`
	FrontendHostname string `json:"frontend_hostname,omitempty"`
}

// PrepareResponse is the three-way result of the prepare phase. Exactly one
// of Reply, Existing and Suggestion is populated:
//   - Reply: the server confirmed the requested key.
//   - Existing: prior deployments under the same app name, primary first.
//   - Suggestion: a server-proposed key for an unclaimed name.
type PrepareResponse struct {
	AppPrefix  string             `json:"app_prefix"`
	Reply      *DeploymentTarget  `json:"reply"`
	Existing   []DeploymentTarget `json:"existing"`
	Suggestion *DeploymentTarget  `json:"suggestion"`
}

// Validate enforces the exactly-one-of-three shape before any side effect
// occurs. Anything else is a protocol violation.
func (r PrepareResponse) Validate() error {
	populated := 0
	if r.Reply != nil {
		populated++
	}
	if len(r.Existing) > 0 {
		populated++
	}
	if r.Suggestion != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("%w: prepare response must carry exactly one of reply, existing, suggestion", ErrServer)
	}
	return nil
}

// CreateParams are the form fields accompanying the artifact upload.
type CreateParams struct {
	Key              string
	AppName          string
	RegionsJSON      string
	AppPrefix        string
	ClientVersion    string
	CPUs             *int
	MemoryMB         *int
	AutoStart        *bool
	AutoStop         *bool
	FrontendHostname string
	Description      string
	EnvsJSON         string
}

var siteURLPattern = regexp.MustCompile(`^https?://`)

// DeployResult carries the URLs of the site being deployed.
type DeployResult struct {
	FrontendURL string `json:"frontend_url"`
	BackendURL  string `json:"backend_url"`
}

// Validate rejects responses whose URLs are not URL-shaped.
func (r DeployResult) Validate() error {
	for _, u := range []string{r.FrontendURL, r.BackendURL} {
		if len(u) < 8 || !siteURLPattern.MatchString(u) {
			return fmt.Errorf("%w: malformed site url %q", ErrServer, u)
		}
	}
	return nil
}

// DeploymentRecord is a server-owned deployment as returned by list. Env
// values are never retrievable, only their names.
type DeploymentRecord struct {
	Key      string   `json:"key"`
	Regions  []string `json:"regions"`
	AppName  string   `json:"app_name"`
	VMType   string   `json:"vm_type"`
	CPUs     int      `json:"cpus"`
	MemoryMB int      `json:"memory_mb"`
	URL      string   `json:"url"`
	EnvNames []string `json:"envs"`
}

// SiteStatus reports reachability for one side of a deployment.
type SiteStatus struct {
	FrontendURL string
	BackendURL  string
	Reachable   bool
	UpdatedAt   string
}

// NewSiteStatus constructs a SiteStatus, requiring at least one URL.
func NewSiteStatus(frontendURL, backendURL string, reachable bool, updatedAt string) (SiteStatus, error) {
	if frontendURL == "" && backendURL == "" {
		return SiteStatus{}, fmt.Errorf("%w: site status carries neither a frontend nor a backend url", ErrServer)
	}
	return SiteStatus{
		FrontendURL: frontendURL,
		BackendURL:  backendURL,
		Reachable:   reachable,
		UpdatedAt:   updatedAt,
	}, nil
}

// DeploymentStatus pairs the frontend and backend site statuses.
type DeploymentStatus struct {
	Frontend SiteStatus
	Backend  SiteStatus
}

// LogType selects which category of deployment logs to stream.
type LogType string

const (
	// AppLog is output printed by the user's own code.
	AppLog LogType = "app"
	// BuildLog is server output while building the deployment.
	BuildLog LogType = "build"
	// DeployLog reports deploy-time progress milestones.
	DeployLog LogType = "deploy"
	// AllLog combines every category above.
	AllLog LogType = "all"
)

const localTimeLayout = "2006-01-02 15:04:05.000000 MST"

// ToLocalTime renders a timezone-aware ISO timestamp in local display form.
// When the input does not parse, the raw server value is returned unchanged
// rather than aborting whatever stream it came from.
func ToLocalTime(value string) string {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.Local().Format(localTimeLayout)
		}
	}
	return value
}
