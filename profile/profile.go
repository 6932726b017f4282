// Package profile models execution profiles: what image(s) a sandbox
// runs, what each container can do, and how long compute may idle.
// Profiles are TOML documents; the single-container form is legacy and
// gets folded into the containers list on load.
package profile

import (
	"slices"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"bay.dev/bay/pkg/bytesize"
	"bay.dev/bay/pkg/set"
)

const (
	DefaultRuntimePort = 8123
	DefaultHealthPath  = "/health"

	// DefaultIdleTimeout applies when a profile does not say how long
	// compute may sit unused.
	DefaultIdleTimeout = 300 * time.Second

	RuntimeTypeShip    = "ship"
	RuntimeTypeBrowser = "browser"
)

type Resources struct {
	CPUs   float64 `toml:"cpus"`
	Memory string  `toml:"memory"`
}

// MemoryBytes parses the memory limit. Empty means no limit.
func (r Resources) MemoryBytes() (int64, error) {
	if r.Memory == "" {
		return 0, nil
	}
	b, err := bytesize.Parse(r.Memory)
	if err != nil {
		return 0, err
	}
	return b.Int64(), nil
}

type Container struct {
	Name            string            `toml:"name"`
	Image           string            `toml:"image"`
	RuntimeType     string            `toml:"runtime_type"`
	RuntimePort     int               `toml:"runtime_port"`
	Resources       Resources         `toml:"resources"`
	Capabilities    []string          `toml:"capabilities"`
	PrimaryFor      []string          `toml:"primary_for"`
	Env             map[string]string `toml:"env"`
	HealthCheckPath string            `toml:"health_check_path"`
}

type Startup struct {
	Order      string `toml:"order"` // parallel or sequential
	WaitForAll bool   `toml:"wait_for_all"`
}

type Profile struct {
	ID          string `toml:"id"`
	IdleTimeout int    `toml:"idle_timeout"` // seconds

	// Legacy single-container fields. Normalize moves them into
	// Containers, after which only the list is consulted.
	Image        string            `toml:"image"`
	RuntimeType  string            `toml:"runtime_type"`
	RuntimePort  int               `toml:"runtime_port"`
	Resources    Resources         `toml:"resources"`
	Env          map[string]string `toml:"env"`
	Capabilities []string          `toml:"capabilities"`

	Containers []Container `toml:"containers"`
	Startup    Startup     `toml:"startup"`
}

// Normalize folds the legacy form into the containers list and applies
// defaults. Safe to call more than once.
func (p *Profile) Normalize() {
	if len(p.Containers) == 0 && p.Image != "" {
		p.Containers = []Container{{
			Name:         RuntimeTypeShip,
			Image:        p.Image,
			RuntimeType:  p.RuntimeType,
			RuntimePort:  p.RuntimePort,
			Resources:    p.Resources,
			Env:          p.Env,
			Capabilities: p.Capabilities,
		}}
	}

	for i := range p.Containers {
		c := &p.Containers[i]
		if c.RuntimeType == "" {
			c.RuntimeType = RuntimeTypeShip
		}
		if c.RuntimePort == 0 {
			c.RuntimePort = DefaultRuntimePort
		}
		if c.HealthCheckPath == "" {
			c.HealthCheckPath = DefaultHealthPath
		}
	}

	if p.IdleTimeout == 0 {
		p.IdleTimeout = int(DefaultIdleTimeout.Seconds())
	}
}

// Validate checks a normalized profile.
func (p *Profile) Validate() error {
	err := validation.ValidateStruct(p,
		validation.Field(&p.ID, validation.Required),
		validation.Field(&p.Containers, validation.Required, validation.Each(validation.By(validateContainer))),
		validation.Field(&p.IdleTimeout, validation.Min(0)),
	)
	if err != nil {
		return err
	}

	if p.Startup.Order != "" && p.Startup.Order != "parallel" && p.Startup.Order != "sequential" {
		return validation.Errors{"startup.order": validation.NewError(
			"startup_order", "must be parallel or sequential")}
	}

	names := set.New[string]()
	for _, c := range p.Containers {
		if names.Contains(c.Name) {
			return validation.Errors{"containers": validation.NewError(
				"duplicate_container", "container name "+c.Name+" declared twice")}
		}
		names.Add(c.Name)
	}
	return nil
}

func validateContainer(value any) error {
	c, _ := value.(Container)
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.Image, validation.Required),
		validation.Field(&c.RuntimePort, validation.Min(1), validation.Max(65535)),
	); err != nil {
		return err
	}
	if _, err := c.Resources.MemoryBytes(); err != nil {
		return validation.NewError("invalid_memory", err.Error())
	}
	return nil
}

// IsMulti reports whether the profile runs more than one container.
func (p *Profile) IsMulti() bool {
	return len(p.Containers) > 1
}

// IdleTimeoutDuration is the idle window as a duration.
func (p *Profile) IdleTimeoutDuration() time.Duration {
	return time.Duration(p.IdleTimeout) * time.Second
}

// PrimaryContainer picks the container whose endpoint doubles as the
// session endpoint: the one named "primary", else "ship", else the
// first declared.
func (p *Profile) PrimaryContainer() *Container {
	if len(p.Containers) == 0 {
		return nil
	}
	for _, want := range []string{"primary", RuntimeTypeShip} {
		for i := range p.Containers {
			if p.Containers[i].Name == want {
				return &p.Containers[i]
			}
		}
	}
	return &p.Containers[0]
}

// ContainerForCapability resolves which container serves capability c:
// an explicit primary_for claim wins, then declaration order among
// containers listing c.
func (p *Profile) ContainerForCapability(c string) (*Container, bool) {
	for i := range p.Containers {
		if slices.Contains(p.Containers[i].PrimaryFor, c) {
			return &p.Containers[i], true
		}
	}
	for i := range p.Containers {
		if slices.Contains(p.Containers[i].Capabilities, c) {
			return &p.Containers[i], true
		}
	}
	return nil, false
}

// AllCapabilities returns every capability any container declares,
// sorted, for error details.
func (p *Profile) AllCapabilities() []string {
	caps := set.New[string]()
	for _, c := range p.Containers {
		for _, name := range c.Capabilities {
			caps.Add(name)
		}
		for _, name := range c.PrimaryFor {
			caps.Add(name)
		}
	}
	return set.Sorted(caps)
}
