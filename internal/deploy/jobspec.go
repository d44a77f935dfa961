package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingSecrets is returned when a required secret has no value.
var ErrMissingSecrets = errors.New("missing secrets")

const (
	// ServiceName is the name the app registers under.
	ServiceName = "email-agent"

	httpPort    = 8000
	metricsPort = 9090
	redacted    = "<redacted>"
)

// Job is the subset of the Nomad API job the service needs.
type Job struct {
	ID          string            `json:"ID"`
	Name        string            `json:"Name"`
	Type        string            `json:"Type"`
	Namespace   string            `json:"Namespace,omitempty"`
	Region      string            `json:"Region,omitempty"`
	Datacenters []string          `json:"Datacenters"`
	Update      *UpdateStrategy   `json:"Update"`
	TaskGroups  []*TaskGroup      `json:"TaskGroups"`
	Meta        map[string]string `json:"Meta,omitempty"`
}

// UpdateStrategy is the rolling update policy.
type UpdateStrategy struct {
	MaxParallel      int           `json:"MaxParallel"`
	HealthCheck      string        `json:"HealthCheck"`
	MinHealthyTime   time.Duration `json:"MinHealthyTime"`
	HealthyDeadline  time.Duration `json:"HealthyDeadline"`
	ProgressDeadline time.Duration `json:"ProgressDeadline"`
	AutoRevert       bool          `json:"AutoRevert"`
	Canary           int           `json:"Canary"`
}

// TaskGroup is a set of tasks scheduled together.
type TaskGroup struct {
	Name          string             `json:"Name"`
	Count         int                `json:"Count"`
	Networks      []*NetworkResource `json:"Networks"`
	Services      []*Service         `json:"Services"`
	RestartPolicy *RestartPolicy     `json:"RestartPolicy"`
	Tasks         []*Task            `json:"Tasks"`
}

// NetworkResource declares the group's ports.
type NetworkResource struct {
	Mode         string `json:"Mode"`
	DynamicPorts []Port `json:"DynamicPorts"`
}

// Port maps a label to a container port.
type Port struct {
	Label string `json:"Label"`
	To    int    `json:"To"`
}

// Service is a service registration with its health checks.
type Service struct {
	Name      string          `json:"Name"`
	PortLabel string          `json:"PortLabel"`
	Provider  string          `json:"Provider"`
	Tags      []string        `json:"Tags"`
	Checks    []*ServiceCheck `json:"Checks"`
}

// ServiceCheck is an HTTP health check.
type ServiceCheck struct {
	Name         string        `json:"Name"`
	Type         string        `json:"Type"`
	Path         string        `json:"Path"`
	PortLabel    string        `json:"PortLabel"`
	Interval     time.Duration `json:"Interval"`
	Timeout      time.Duration `json:"Timeout"`
	OnUpdate     string        `json:"OnUpdate,omitempty"`
	CheckRestart *CheckRestart `json:"CheckRestart,omitempty"`
}

// CheckRestart restarts the task after repeated check failures.
type CheckRestart struct {
	Limit int           `json:"Limit"`
	Grace time.Duration `json:"Grace"`
}

// RestartPolicy governs local task restarts.
type RestartPolicy struct {
	Attempts int           `json:"Attempts"`
	Interval time.Duration `json:"Interval"`
	Delay    time.Duration `json:"Delay"`
	Mode     string        `json:"Mode"`
}

// Task is the container itself.
type Task struct {
	Name      string                 `json:"Name"`
	Driver    string                 `json:"Driver"`
	Config    map[string]interface{} `json:"Config"`
	Env       map[string]string      `json:"Env"`
	Templates []*Template            `json:"Templates,omitempty"`
	Resources *Resources             `json:"Resources"`
}

// Template renders a file into the task directory.
type Template struct {
	EmbeddedTmpl string `json:"EmbeddedTmpl"`
	DestPath     string `json:"DestPath"`
	ChangeMode   string `json:"ChangeMode"`
}

// Resources are the task's CPU (MHz) and memory (MB) reservations.
type Resources struct {
	CPU      int `json:"CPU"`
	MemoryMB int `json:"MemoryMB"`
}

// ResolveSecrets looks up every name with lookup and reports all missing
// ones together.
func ResolveSecrets(names []string, lookup func(string) (string, bool)) (map[string]string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	values := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		v, ok := lookup(name)
		if !ok || v == "" {
			missing = append(missing, name)
			continue
		}
		values[name] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissingSecrets, strings.Join(missing, ", "))
	}
	return values, nil
}

// Render builds the Nomad job for env running image. secrets must hold a
// value for every configured secret name.
func (c *Config) Render(env *Environment, image string, secrets map[string]string) (*Job, error) {
	if image == "" {
		return nil, errors.New("render: image is required")
	}
	if _, err := ResolveSecrets(c.Secrets, func(name string) (string, bool) {
		v, ok := secrets[name]
		return v, ok
	}); err != nil {
		return nil, err
	}

	baseURL := "https://" + env.Host
	taskEnv := map[string]string{
		"APP_ENV":            env.AppEnv,
		"APP_BASE_URL":       baseURL,
		"AZURE_REDIRECT_URI": baseURL + "/auth/callback",
		"LOG_LEVEL":          env.LogLevel,
		"TIER_CONFIG_PATH":   "/local/tiers.yaml",
		"PORT":               strconv.Itoa(httpPort),
		"METRICS_PORT":       strconv.Itoa(metricsPort),
		"TRUST_PROXY":        "true",
	}
	for _, name := range c.Secrets {
		taskEnv[name] = secrets[name]
	}

	return &Job{
		ID:          env.Job,
		Name:        env.Job,
		Type:        "service",
		Namespace:   c.Nomad.Namespace,
		Region:      c.Nomad.Region,
		Datacenters: c.Nomad.Datacenters,
		Update: &UpdateStrategy{
			MaxParallel:      1,
			HealthCheck:      "checks",
			MinHealthyTime:   c.Update.MinHealthyTime,
			HealthyDeadline:  c.Update.HealthyDeadline,
			ProgressDeadline: c.Update.ProgressDeadline,
			AutoRevert:       true,
		},
		TaskGroups: []*TaskGroup{{
			Name:  "app",
			Count: 1,
			Networks: []*NetworkResource{{
				Mode: "bridge",
				DynamicPorts: []Port{
					{Label: "http", To: httpPort},
					{Label: "metrics", To: metricsPort},
				},
			}},
			Services: []*Service{{
				Name:      ServiceName,
				PortLabel: "http",
				Provider:  "consul",
				Tags:      routingTags(env),
				Checks: []*ServiceCheck{
					{
						Name:      "liveness",
						Type:      "http",
						Path:      "/health",
						PortLabel: "http",
						Interval:  10 * time.Second,
						Timeout:   2 * time.Second,
						CheckRestart: &CheckRestart{
							Limit: 3,
							Grace: 30 * time.Second,
						},
					},
					{
						Name:      "readiness",
						Type:      "http",
						Path:      "/ready",
						PortLabel: "http",
						Interval:  10 * time.Second,
						Timeout:   3 * time.Second,
						OnUpdate:  "require_healthy",
					},
				},
			}},
			RestartPolicy: &RestartPolicy{
				Attempts: 3,
				Interval: 5 * time.Minute,
				Delay:    15 * time.Second,
				Mode:     "fail",
			},
			Tasks: []*Task{{
				Name:   ServiceName,
				Driver: "docker",
				Config: map[string]interface{}{
					"image": image,
					"ports": []string{"http", "metrics"},
				},
				Env: taskEnv,
				// The tier list lives in a Nomad variable; the app picks up
				// re-rendered files through its file watcher.
				Templates: []*Template{{
					EmbeddedTmpl: `{{ with nomadVar "nomad/jobs/` + env.Job + `" }}{{ .tiers_yaml }}{{ end }}`,
					DestPath:     "local/tiers.yaml",
					ChangeMode:   "noop",
				}},
				Resources: &Resources{
					CPU:      env.CPU,
					MemoryMB: env.Memory,
				},
			}},
		}},
		Meta: map[string]string{
			"image":       image,
			"environment": env.Name,
		},
	}, nil
}

// routingTags are the Traefik labels: TLS on the websecure entrypoint and a
// sticky cookie so a browser keeps hitting the instance holding its session.
func routingTags(env *Environment) []string {
	router := "traefik.http.routers." + env.Job
	svc := "traefik.http.services." + env.Job + ".loadbalancer.sticky.cookie"
	return []string{
		"traefik.enable=true",
		router + ".rule=Host(`" + env.Host + "`)",
		router + ".entrypoints=websecure",
		router + ".tls=true",
		router + ".tls.certresolver=" + env.CertResolver,
		svc + "=true",
		svc + ".name=" + env.Job + "_affinity",
		svc + ".secure=true",
		svc + ".httpOnly=true",
		svc + ".sameSite=lax",
	}
}

// Redact returns a copy of job with the named env values masked.
func Redact(job *Job, secretNames []string) *Job {
	out := *job
	out.TaskGroups = make([]*TaskGroup, len(job.TaskGroups))
	for i, tg := range job.TaskGroups {
		g := *tg
		g.Tasks = make([]*Task, len(tg.Tasks))
		for j, t := range tg.Tasks {
			task := *t
			task.Env = make(map[string]string, len(t.Env))
			for k, v := range t.Env {
				task.Env[k] = v
			}
			for _, name := range secretNames {
				if _, ok := task.Env[name]; ok {
					task.Env[name] = redacted
				}
			}
			g.Tasks[j] = &task
		}
		out.TaskGroups[i] = &g
	}
	return &out
}

// Marshal encodes job as "json" or "yaml". YAML keeps the API field names.
func Marshal(job *Job, format string) ([]byte, error) {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, err
	}
	switch format {
	case "", "json":
		return data, nil
	case "yaml":
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
		return yaml.Marshal(generic)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}
