package pipeline

// StepConfig binds a registered processor to static parameters.
type StepConfig struct {
	Name       string         `yaml:"name"`
	Parameters map[string]any `yaml:"parameters"`
}

// TypeConfig lists the steps for one document type, in execution order.
type TypeConfig struct {
	Processors []StepConfig `yaml:"processors"`
}

// Config maps a document type to its steps.
type Config map[string]TypeConfig
