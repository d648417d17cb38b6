package types

// Category describes the task family a model is built for.
type Category string

const (
	CategoryChat        Category = "chat"
	CategoryCode        Category = "code"
	CategoryTranslation Category = "translation"
	CategoryEmbedding   Category = "embedding"
	CategoryImage       Category = "image"
	CategoryAudio       Category = "audio"
)

// Capability is a boolean feature a model either has or does not have.
type Capability string

const (
	CapabilityStreaming       Capability = "streaming"
	CapabilityFunctionCalling Capability = "function_calling"
	CapabilityVision          Capability = "vision"
	CapabilityAudio           Capability = "audio"
)

// ModelDescriptor is an immutable catalog entry for a single addressable
// generation endpoint. Descriptors are loaded once at startup and treated as
// read-only for the life of the process.
type ModelDescriptor struct {
	ID                 string       `yaml:"id" json:"id"`
	Provider           string       `yaml:"provider" json:"provider"`
	Category           Category     `yaml:"category" json:"category"`
	Capabilities       []Capability `yaml:"capabilities" json:"capabilities"`
	ContextWindow      int          `yaml:"context_window" json:"context_window"`
	CostPerInputToken  float64      `yaml:"cost_per_input_token" json:"cost_per_input_token"`
	CostPerOutputToken float64      `yaml:"cost_per_output_token" json:"cost_per_output_token"`
	Tags               []string     `yaml:"tags" json:"tags,omitempty"`
}

// HasCapability reports whether the model advertises the given capability.
func (m ModelDescriptor) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HasTag reports whether the model carries the given ranking tag.
func (m ModelDescriptor) HasTag(tag string) bool {
	for _, have := range m.Tags {
		if have == tag {
			return true
		}
	}
	return false
}
