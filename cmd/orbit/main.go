package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/term"

	"github.com/orbitdeploy/orbit/internal/auth"
	"github.com/orbitdeploy/orbit/internal/config"
	"github.com/orbitdeploy/orbit/internal/credentials"
	"github.com/orbitdeploy/orbit/internal/deploy"
	"github.com/orbitdeploy/orbit/internal/hosting"
	"github.com/orbitdeploy/orbit/internal/logger"
	"github.com/orbitdeploy/orbit/internal/logstream"
)

var buildVersion = "dev"

// app bundles the wired collaborators every subcommand needs.
type app struct {
	cfg     config.Config
	store   *credentials.Store
	client  *hosting.Client
	session *auth.Session
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "logout":
		err = commandLogout(args)
	case "deploy":
		err = commandDeploy(args)
	case "list":
		err = commandList(args)
	case "delete":
		err = commandDelete(args)
	case "status":
		err = commandStatus(args)
	case "logs":
		err = commandLogs(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() (*app, error) {
	cfg := config.Load()
	log := logger.New("orbit", logger.ParseLevel(cfg.LogLevel))

	path, err := credentials.DefaultPath()
	if err != nil {
		return nil, fmt.Errorf("locate credential file: %w", err)
	}
	store := credentials.NewStore(path, log)

	client, err := hosting.New(cfg.ControlPlaneURL, cfg.RequestTimeout, log)
	if err != nil {
		return nil, err
	}
	session := auth.NewSession(store, client, browser.OpenURL, cfg.WebLoginURL,
		cfg.WebAuthRetries, cfg.WebAuthSleep, os.Stdout, log)
	return &app{cfg: cfg, store: store, client: client, session: session}, nil
}

func (a *app) consumer() *logstream.Consumer {
	log := logger.New("logstream", logger.ParseLevel(a.cfg.LogLevel))
	return logstream.NewConsumer(a.client.LogsURL, os.Stdout, log, a.cfg.MilestoneMessages)
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	if _, err := a.session.Ensure(context.Background()); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	return a.session.Logout()
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	appName := fs.String("app-name", "", "Name of the app to deploy")
	key := fs.String("key", "", "Name of the deployment (server suggests one when omitted)")
	frontendHostname := fs.String("frontend-hostname", "", "Custom hostname for the frontend")
	description := fs.String("description", "", "Description of the deployment")
	cpus := fs.Int("cpus", 0, "Number of CPUs")
	memoryMB := fs.Int("memory-mb", 0, "Memory in MB")
	noAutoStart := fs.Bool("no-auto-start", false, "Do not auto start the deployment")
	noAutoStop := fs.Bool("no-auto-stop", false, "Do not auto stop the deployment when idling")
	noInteractive := fs.Bool("no-interactive", false, "Do not prompt; requires --key and --region")
	frontendFile := fs.String("frontend", "frontend.zip", "Path to the exported frontend bundle")
	backendFile := fs.String("backend", "backend.zip", "Path to the exported backend bundle")
	var regions, envs stringList
	fs.Var(&regions, "region", "Region to deploy to (repeatable)")
	fs.Var(&envs, "env", "Environment variable as KEY=VALUE (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*appName) == "" {
		return errors.New("--app-name is required")
	}
	interactive := !*noInteractive && term.IsTerminal(int(os.Stdin.Fd()))
	if !interactive {
		if strings.TrimSpace(*key) == "" {
			return errors.New("--key is required in non-interactive mode")
		}
		if len(regions) == 0 {
			return errors.New("at least one --region is required in non-interactive mode")
		}
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	prompt := newPrompter(interactive)
	if interactive && len(regions) == 0 {
		region, err := prompt.Ask("Region to deploy to", "sjc")
		if err != nil {
			return err
		}
		regions = append(regions, region)
	}
	if interactive && len(envs) == 0 {
		envs = promptForEnvs(prompt)
	}
	// Local validation happens before any network call.
	envMap, err := deploy.ProcessEnvs(envs)
	if err != nil {
		return err
	}
	frontend, err := os.Open(*frontendFile)
	if err != nil {
		return fmt.Errorf("unable to open frontend bundle: %w", err)
	}
	defer frontend.Close()
	backend, err := os.Open(*backendFile)
	if err != nil {
		return fmt.Errorf("unable to open backend bundle: %w", err)
	}
	defer backend.Close()

	token, err := a.session.Ensure(context.Background())
	if err != nil {
		return err
	}

	req := deploy.Request{
		AppName:          *appName,
		Key:              *key,
		FrontendHostname: *frontendHostname,
		Regions:          regions,
		Envs:             envMap,
		Description:      *description,
	}
	if *cpus > 0 {
		req.CPUs = cpus
	}
	if *memoryMB > 0 {
		req.MemoryMB = memoryMB
	}
	autoStart, autoStop := !*noAutoStart, !*noAutoStop
	req.AutoStart = &autoStart
	req.AutoStop = &autoStop

	log := logger.New("deploy", logger.ParseLevel(a.cfg.LogLevel))
	orch := deploy.NewOrchestrator(a.client, prompt, a.consumer(),
		os.Stdout, log, buildVersion, a.cfg.PickupDelay,
		a.cfg.ReachabilityTries, a.cfg.ReachabilitySleep)
	return orch.Run(context.Background(), token, req, deploy.Artifacts{
		FrontendName: filepath.Base(frontend.Name()),
		Frontend:     frontend,
		BackendName:  filepath.Base(backend.Name()),
		Backend:      backend,
	})
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	appName := fs.String("app-name", "", "Filter deployments by app name")
	fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	ctx := context.Background()
	token, err := a.session.Authenticated(ctx)
	if err != nil {
		return err
	}
	records, err := a.client.ListDeployments(ctx, token, *appName)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Printf("%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			rec.Key, rec.AppName, strings.Join(rec.Regions, ","), rec.VMType,
			rec.CPUs, rec.MemoryMB, rec.URL, strings.Join(rec.EnvNames, ","))
	}
	return nil
}

func commandDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	key := fs.String("key", "", "Name of the deployment to delete")
	fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	ctx := context.Background()
	token, err := a.session.Authenticated(ctx)
	if err != nil {
		return err
	}
	if err := a.client.DeleteDeployment(ctx, token, *key); err != nil {
		return err
	}
	fmt.Println("deployment deleted")
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	key := fs.String("key", "", "Name of the deployment")
	fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	ctx := context.Background()
	token, err := a.session.Authenticated(ctx)
	if err != nil {
		return err
	}
	status, err := a.client.GetStatus(ctx, token, *key)
	if err != nil {
		return err
	}
	printSiteStatus("frontend", status.Frontend.FrontendURL, status.Frontend)
	printSiteStatus("backend", status.Backend.BackendURL, status.Backend)
	return nil
}

func printSiteStatus(side, url string, status hosting.SiteStatus) {
	updated := ""
	if status.UpdatedAt != "" {
		updated = hosting.ToLocalTime(status.UpdatedAt)
	}
	fmt.Printf("%s\t%s\treachable=%t\t%s\n", side, url, status.Reachable, updated)
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	key := fs.String("key", "", "Name of the deployment")
	logType := fs.String("type", string(hosting.AppLog), "Log category: app, build, deploy or all")
	fromRaw := fs.String("from", "", "Only stream logs after this RFC3339 timestamp")
	fs.Parse(args)

	var from time.Time
	if *fromRaw != "" {
		parsed, err := time.Parse(time.RFC3339, *fromRaw)
		if err != nil {
			return fmt.Errorf("invalid --from timestamp: %w", err)
		}
		from = parsed
	}
	switch hosting.LogType(*logType) {
	case hosting.AppLog, hosting.BuildLog, hosting.DeployLog, hosting.AllLog:
	default:
		return fmt.Errorf("invalid --type %q", *logType)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	ctx := context.Background()
	token, err := a.session.Authenticated(ctx)
	if err != nil {
		return err
	}
	return a.consumer().Tail(ctx, token, *key, hosting.LogType(*logType), from)
}

// terminalPrompter reads answers from stdin.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(interactive bool) deploy.Prompter {
	if !interactive {
		return nil
	}
	return &terminalPrompter{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

func (p *terminalPrompter) Ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	answer := strings.TrimSpace(line)
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

func (p *terminalPrompter) Confirm(prompt string) bool {
	fmt.Fprintf(p.out, "%s [Y/n]: ", prompt)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "" || answer == "y" || answer == "yes"
}

// promptForEnvs collects KEY=VALUE pairs until the user enters a blank key.
func promptForEnvs(prompt deploy.Prompter) []string {
	var envs []string
	fmt.Println("Environment variables ...")
	keyPrompt := "  Env name (enter to skip)"
	for {
		key, err := prompt.Ask(keyPrompt, "")
		if err != nil || key == "" {
			break
		}
		keyPrompt = "  Env name (enter to finish)"
		value, err := prompt.Ask("  Env value", "")
		if err != nil {
			break
		}
		envs = append(envs, fmt.Sprintf("%s=%s", key, value))
	}
	if len(envs) == 0 {
		fmt.Println("No envs added. Continuing ...")
	} else {
		fmt.Println("Finished adding envs.")
	}
	return envs
}

func printUsage() {
	fmt.Printf("orbit CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	orbit login
	orbit logout
	orbit deploy --app-name <name> [--key <key>] [--region sjc]... [--env K=V]... [--no-interactive]
	orbit list [--app-name <name>]
	orbit delete --key <key>
	orbit status --key <key>
	orbit logs --key <key> [--type app|build|deploy|all] [--from <rfc3339>]
	orbit version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
