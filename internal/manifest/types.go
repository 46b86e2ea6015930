package manifest

// AgentManifest declares one dispatchable agent.
type AgentManifest struct {
	Name              string    `yaml:"name" json:"name"`
	Type              string    `yaml:"type" json:"type"`
	Version           string    `yaml:"version" json:"version"`
	Description       string    `yaml:"description,omitempty" json:"description,omitempty"`
	Mode              string    `yaml:"mode" json:"mode"`
	Requires          string    `yaml:"requires,omitempty" json:"requires,omitempty"`
	Model             string    `yaml:"model" json:"model"`
	MaxOutputTokens   int       `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty"`
	MaxInputTokens    int       `yaml:"max_input_tokens,omitempty" json:"max_input_tokens,omitempty"`
	SeverityThreshold string    `yaml:"severity_threshold,omitempty" json:"severity_threshold,omitempty"`
	Labels            []string  `yaml:"labels,omitempty" json:"labels,omitempty"`
	AllowedLabels     []string  `yaml:"allowed_labels,omitempty" json:"allowed_labels,omitempty"`
	MaxItems          int       `yaml:"max_items,omitempty" json:"max_items,omitempty"`
	Prompt            string    `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Scan              *Scan     `yaml:"scan,omitempty" json:"scan,omitempty"`
	Budget            *Budget   `yaml:"budget,omitempty" json:"budget,omitempty"`
	Triggers          []Trigger `yaml:"triggers" json:"triggers"`

	// Path is the file the manifest was loaded from. Not part of the YAML.
	Path string `yaml:"-" json:"-"`
}

// Scan selects the files a bug-finder agent looks at.
type Scan struct {
	Include  []string `yaml:"include,omitempty" json:"include,omitempty"`
	Exclude  []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	MaxFiles int      `yaml:"max_files,omitempty" json:"max_files,omitempty"`
}

// Budget caps what a single run of the agent may spend.
type Budget struct {
	MaxUSDPerRun float64 `yaml:"max_usd_per_run,omitempty" json:"max_usd_per_run,omitempty"`
}

// Trigger names an event the agent responds to.
type Trigger struct {
	Event   string   `yaml:"event" json:"event"`
	Actions []string `yaml:"actions,omitempty" json:"actions,omitempty"`
	Cron    string   `yaml:"cron,omitempty" json:"cron,omitempty"`
	Window  string   `yaml:"window,omitempty" json:"window,omitempty"`
	Filters []Filter `yaml:"filters,omitempty" json:"filters,omitempty"`
}

// Filter is a JSONPath condition evaluated against the event payload.
// With Equals unset the path only has to resolve to a non-empty value.
type Filter struct {
	Path   string      `yaml:"path" json:"path"`
	Equals interface{} `yaml:"equals,omitempty" json:"equals,omitempty"`
}

// TypeAgent is the only accepted value of the type discriminator.
const TypeAgent = "agent"

// Agent modes.
const (
	ModeTriage     = "triage"
	ModeBugFinder  = "bug-finder"
	ModeCodeReview = "code-review"
)

// ValidModes contains all valid mode values.
var ValidModes = []string{ModeTriage, ModeBugFinder, ModeCodeReview}

// Schedule windows.
const (
	WindowHourly = "hourly"
	WindowDaily  = "daily"
	WindowWeekly = "weekly"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultSeverityThreshold = "medium"
	DefaultMaxOutputTokens   = 1024
	DefaultMaxInputTokens    = 24000
	DefaultMaxFiles          = 25
	DefaultMaxItems          = 10
)

// ApplyDefaults fills optional fields that have a documented default.
func (m *AgentManifest) ApplyDefaults() {
	if m.SeverityThreshold == "" {
		m.SeverityThreshold = DefaultSeverityThreshold
	}
	if m.MaxOutputTokens == 0 {
		m.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if m.MaxInputTokens == 0 {
		m.MaxInputTokens = DefaultMaxInputTokens
	}
	if m.MaxItems == 0 {
		m.MaxItems = DefaultMaxItems
	}
	if m.Mode == ModeBugFinder {
		if m.Scan == nil {
			m.Scan = &Scan{}
		}
		if m.Scan.MaxFiles == 0 {
			m.Scan.MaxFiles = DefaultMaxFiles
		}
	}
	for i := range m.Triggers {
		if m.Triggers[i].Event == "schedule" && m.Triggers[i].Window == "" {
			m.Triggers[i].Window = WindowDaily
		}
	}
}

// RunBudget returns the per-run spend cap, or 0 for no cap.
func (m *AgentManifest) RunBudget() float64 {
	if m.Budget == nil {
		return 0
	}
	return m.Budget.MaxUSDPerRun
}
