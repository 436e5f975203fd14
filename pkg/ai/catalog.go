package ai

import "slices"

// Model is one selectable entry in the model picker.
type Model struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// DefaultModel is used when neither settings nor config name one.
const DefaultModel = "llama-3.3-70b-versatile"

const (
	DefaultTemperature = 0.6
	DefaultMaxTokens   = 2048
)

// DefaultCatalog lists the models offered when config has none.
var DefaultCatalog = []Model{
	{ID: "llama-3.3-70b-versatile", Name: "Llama 3.3 70B", Description: "Most capable model with 128K context"},
	{ID: "llama-3.1-8b-instant", Name: "Llama 3.1 8B", Description: "Faster responses, good for simple queries"},
	{ID: "mixtral-8x7b-32768", Name: "Mixtral 8x7B", Description: "Good balance of speed and capability"},
}

type Catalog struct {
	models []Model
}

func NewCatalog(models []Model) Catalog {
	if len(models) == 0 {
		models = DefaultCatalog
	}
	return Catalog{models: slices.Clone(models)}
}

func (c Catalog) Models() []Model { return slices.Clone(c.models) }

func (c Catalog) Contains(id string) bool {
	return slices.ContainsFunc(c.models, func(m Model) bool { return m.ID == id })
}
