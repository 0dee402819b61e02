package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/orbitdeploy/orbit/internal/hosting"
)

// ControlPlane is the slice of the hosting client the orchestrator needs.
type ControlPlane interface {
	PrepareDeployment(ctx context.Context, token string, params hosting.PrepareRequest) (hosting.PrepareResponse, error)
	CreateDeployment(ctx context.Context, token string, params hosting.CreateParams, frontendName string, frontend io.Reader, backendName string, backend io.Reader) (hosting.DeployResult, error)
	CheckBackend(ctx context.Context, apiURL string) bool
	CheckFrontend(ctx context.Context, deployURL string) bool
}

// Prompter asks the user questions during key resolution. A nil Prompter
// puts the orchestrator in non-interactive mode.
type Prompter interface {
	// Ask prompts for a value, offering def as the default.
	Ask(prompt, def string) (string, error)
	// Confirm asks a yes/no question.
	Confirm(prompt string) bool
}

// MilestoneStreamer consumes the deploy-milestone channel until a terminal
// condition is reached.
type MilestoneStreamer interface {
	StreamMilestones(ctx context.Context, token, key string, from time.Time) error
}

// Request describes one deployment attempt.
type Request struct {
	AppName          string
	Key              string
	FrontendHostname string
	Regions          []string
	Envs             map[string]string
	CPUs             *int
	MemoryMB         *int
	AutoStart        *bool
	AutoStop         *bool
	Description      string
}

// Artifacts are the two build bundles streamed to the control plane.
type Artifacts struct {
	FrontendName string
	Frontend     io.Reader
	BackendName  string
	Backend      io.Reader
}

// Orchestrator drives one deployment attempt as an explicit phase sequence:
// prepare, resolve key, upload, settle, observe. Each phase either succeeds
// and advances or fails and aborts the attempt; only the observation phases
// are non-fatal, since the deployment may still complete server-side.
type Orchestrator struct {
	api       ControlPlane
	prompt    Prompter
	streamer  MilestoneStreamer
	out       io.Writer
	log       *slog.Logger
	version   string
	pickup    time.Duration
	probeMax  int
	probeWait time.Duration

	token     string
	appPrefix string
	target    hosting.DeploymentTarget
	startedAt time.Time
}

// NewOrchestrator wires an Orchestrator from its collaborators. prompt may
// be nil for non-interactive use.
func NewOrchestrator(api ControlPlane, prompt Prompter, streamer MilestoneStreamer, out io.Writer, logger *slog.Logger, version string, pickup time.Duration, probeMax int, probeWait time.Duration) *Orchestrator {
	return &Orchestrator{
		api:       api,
		prompt:    prompt,
		streamer:  streamer,
		out:       out,
		log:       logger,
		version:   version,
		pickup:    pickup,
		probeMax:  probeMax,
		probeWait: probeWait,
	}
}

// Target returns the resolved deployment target. Valid after Prepare.
func (o *Orchestrator) Target() hosting.DeploymentTarget {
	return o.target
}

// Prepare negotiates the deployment slot and resolves the final key. The
// resolved target is immutable for the rest of the attempt.
func (o *Orchestrator) Prepare(ctx context.Context, token string, req Request) (hosting.DeploymentTarget, error) {
	if token == "" {
		return hosting.DeploymentTarget{}, hosting.ErrNotAuthenticated
	}
	resp, err := o.api.PrepareDeployment(ctx, token, hosting.PrepareRequest{
		AppName:          req.AppName,
		Key:              req.Key,
		FrontendHostname: req.FrontendHostname,
	})
	if err != nil {
		return hosting.DeploymentTarget{}, err
	}
	target, err := o.resolveKey(ctx, token, resp, req)
	if err != nil {
		return hosting.DeploymentTarget{}, err
	}
	o.token = token
	o.appPrefix = resp.AppPrefix
	o.target = target
	return target, nil
}

// resolveKey turns the three-way prepare response into the single target the
// attempt commits to.
func (o *Orchestrator) resolveKey(ctx context.Context, token string, resp hosting.PrepareResponse, req Request) (hosting.DeploymentTarget, error) {
	switch {
	case resp.Reply != nil:
		return *resp.Reply, nil
	case len(resp.Existing) > 0:
		// At most one deployment exists per app name, so the first entry is
		// the only meaningful choice.
		existing := resp.Existing[0]
		if o.prompt != nil && !o.prompt.Confirm(fmt.Sprintf("Overwrite deployment [ %s ]?", existing.Key)) {
			return hosting.DeploymentTarget{}, fmt.Errorf("deployment aborted by user")
		}
		fmt.Fprintf(o.out, "Overwrite deployment [ %s ] ...\n", existing.Key)
		return existing, nil
	default:
		suggestion := *resp.Suggestion
		if o.prompt == nil {
			return suggestion, nil
		}
		return o.negotiateKey(ctx, token, suggestion, req)
	}
}

// negotiateKey loops: offer the current candidate as the default, and when
// the user types a different name, re-run prepare until the server confirms
// it with a direct reply.
func (o *Orchestrator) negotiateKey(ctx context.Context, token string, candidate hosting.DeploymentTarget, req Request) (hosting.DeploymentTarget, error) {
	for {
		name, err := o.prompt.Ask("Name of deployment", candidate.Key)
		if err != nil {
			return hosting.DeploymentTarget{}, err
		}
		if name == "" || name == candidate.Key {
			return candidate, nil
		}
		resp, err := o.api.PrepareDeployment(ctx, token, hosting.PrepareRequest{
			AppName:          req.AppName,
			Key:              name,
			FrontendHostname: req.FrontendHostname,
		})
		if err == nil && resp.Reply != nil && resp.Reply.Key == name {
			return *resp.Reply, nil
		}
		o.log.Debug("server did not confirm requested name", "name", name, "error", err)
		fmt.Fprintln(o.out, "Cannot deploy at this name, try picking a different name")
	}
}

// Execute uploads the build artifacts against the resolved target.
func (o *Orchestrator) Execute(ctx context.Context, req Request, art Artifacts) (hosting.DeployResult, error) {
	if o.target.Key == "" {
		return hosting.DeployResult{}, fmt.Errorf("%w: deployment not prepared", hosting.ErrInvalidArgument)
	}
	regionsJSON, err := json.Marshal(req.Regions)
	if err != nil {
		return hosting.DeployResult{}, fmt.Errorf("encode regions: %w", err)
	}
	params := hosting.CreateParams{
		Key:              o.target.Key,
		AppName:          req.AppName,
		RegionsJSON:      string(regionsJSON),
		AppPrefix:        o.appPrefix,
		ClientVersion:    o.version,
		CPUs:             req.CPUs,
		MemoryMB:         req.MemoryMB,
		AutoStart:        req.AutoStart,
		AutoStop:         req.AutoStop,
		FrontendHostname: req.FrontendHostname,
		Description:      req.Description,
	}
	if len(req.Envs) > 0 {
		envsJSON, err := json.Marshal(req.Envs)
		if err != nil {
			return hosting.DeployResult{}, fmt.Errorf("encode envs: %w", err)
		}
		params.EnvsJSON = string(envsJSON)
	}
	o.startedAt = time.Now()
	result, err := o.api.CreateDeployment(ctx, o.token, params, art.FrontendName, art.Frontend, art.BackendName, art.Backend)
	if err != nil {
		return hosting.DeployResult{}, err
	}
	return result, nil
}

// Settle gives the server a fixed grace period to register the request
// before any polling starts. A single bounded sleep, not a busy-poll.
func (o *Orchestrator) Settle(ctx context.Context) {
	fmt.Fprintf(o.out, "Waiting for server to pick up request ~ %s ...\n", o.pickup)
	select {
	case <-time.After(o.pickup):
	case <-ctx.Done():
	}
}

// Observe watches the deployment land: reachability probes against both
// site URLs and the milestone stream run concurrently and are joined before
// the final report. Failures here never mean the deployment failed, only
// that its completion could not be observed.
func (o *Orchestrator) Observe(ctx context.Context, result hosting.DeployResult) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if o.streamer == nil {
			return
		}
		if err := o.streamer.StreamMilestones(ctx, o.token, o.target.Key, o.startedAt); err != nil {
			o.log.Debug("unable to observe deploy milestones", "error", err)
		}
	}()

	backendUp, frontendUp := false, false
	go func() {
		defer wg.Done()
		backoff := retry.WithMaxRetries(uint64(o.probeMax), retry.NewConstant(o.probeWait))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if !backendUp {
				backendUp = o.api.CheckBackend(ctx, result.BackendURL)
			}
			if !frontendUp {
				frontendUp = o.api.CheckFrontend(ctx, result.FrontendURL)
			}
			if backendUp && frontendUp {
				return nil
			}
			return retry.RetryableError(fmt.Errorf("site not reachable yet"))
		})
		if err != nil {
			o.log.Debug("reachability polling exhausted its budget", "error", err)
		}
	}()

	wg.Wait()

	if backendUp && frontendUp {
		fmt.Fprintf(o.out, "Successfully deployed at %s\n", result.FrontendURL)
		return
	}
	fmt.Fprintln(o.out, "Could not observe completion; the deployment may still be in progress.")
	fmt.Fprintf(o.out, "Check back later at %s\n", result.FrontendURL)
}

// Run performs the whole attempt end to end.
func (o *Orchestrator) Run(ctx context.Context, token string, req Request, art Artifacts) error {
	if _, err := o.Prepare(ctx, token, req); err != nil {
		return fmt.Errorf("unable to prepare deployment: %w", err)
	}
	result, err := o.Execute(ctx, req, art)
	if err != nil {
		return fmt.Errorf("unable to deploy: %w", err)
	}
	o.Settle(ctx)
	o.Observe(ctx, result)
	return nil
}
