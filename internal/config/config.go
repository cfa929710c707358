package config

import "time"

// Config is the node agent configuration. The same file is read by the
// agent and by the jobd/stepd processes it spawns.
type Config struct {
	ControllerURL      string        `yaml:"controller_url"`
	NodeName           string        `yaml:"node_name"`
	SpoolDir           string        `yaml:"spool_dir"`
	AuthType           string        `yaml:"auth_type"` // "basic" or "munge"
	StepPortRange      PortRange     `yaml:"step_port_range"`
	MaxConnectionSleep time.Duration `yaml:"max_connection_sleep"`
	PollIntervalShort  time.Duration `yaml:"poll_interval_short"`
	PollIntervalLong   time.Duration `yaml:"poll_interval_long"`
	Log                Log           `yaml:"log"`
	History            History       `yaml:"history"`
	Status             Status        `yaml:"status"`
	Hooks              Hooks         `yaml:"hooks"`
	Munge              Munge         `yaml:"munge"`
}

// PortRange is an inclusive range of TCP ports stepd may listen on.
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Ports returns every port in the range.
func (r PortRange) Ports() []int {
	if r.End < r.Start {
		return nil
	}
	ports := make([]int, 0, r.End-r.Start+1)
	for p := r.Start; p <= r.End; p++ {
		ports = append(ports, p)
	}
	return ports
}

// Log configures the slog handler and file rotation.
type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" or "json"
	Output     string `yaml:"output"` // "stderr", "stdout" or a file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// History configures the run history store.
type History struct {
	Driver    string `yaml:"driver"` // "bbolt" or "json"
	Path      string `yaml:"path"`   // defaults to <spool_dir>/history.db
	Retention int    `yaml:"retention"`

	// PruneSchedule is a cron expression, descriptor or "every N unit".
	PruneSchedule string `yaml:"prune_schedule"`
}

// Status configures the local read-only status API.
type Status struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Hooks configures the node prolog/epilog executables.
type Hooks struct {
	Dir         string        `yaml:"dir"` // empty disables hooks
	Timeout     time.Duration `yaml:"timeout"`
	FailOnError bool          `yaml:"fail_on_error"`
}

// Munge configures the munge token provider.
type Munge struct {
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`
}
