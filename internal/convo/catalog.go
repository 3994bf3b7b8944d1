package convo

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

type Clinic struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	Hours     string `yaml:"hours"`
	Email     string `yaml:"email"`
	Price     string `yaml:"price"`
	Insurance string `yaml:"insurance"`
}

// Catalog holds the system prompt of every agent. Prompts are text/template
// sources rendered per turn with the clinic facts and the current date.
type Catalog struct {
	Clinic      Clinic `yaml:"clinic"`
	Register    string `yaml:"register"`
	Router      string `yaml:"router"`
	DateSearch  string `yaml:"date_search"`
	DateConfirm string `yaml:"date_confirm"`
	Cancel      string `yaml:"cancel"`
	Info        string `yaml:"info"`

	tmpl map[string]*template.Template
}

const (
	promptRegister    = "register"
	promptRouter      = "router"
	promptDateSearch  = "date_search"
	promptDateConfirm = "date_confirm"
	promptCancel      = "cancel"
	promptInfo        = "info"
)

// LoadCatalog parses a YAML catalog. Every prompt must be present.
func LoadCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse prompt catalog: %w", err)
	}
	sources := map[string]string{
		promptRegister:    c.Register,
		promptRouter:      c.Router,
		promptDateSearch:  c.DateSearch,
		promptDateConfirm: c.DateConfirm,
		promptCancel:      c.Cancel,
		promptInfo:        c.Info,
	}
	c.tmpl = make(map[string]*template.Template, len(sources))
	for name, src := range sources {
		if src == "" {
			return nil, fmt.Errorf("prompt catalog: %s is empty", name)
		}
		t, err := template.New(name).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("prompt catalog: %s: %w", name, err)
		}
		c.tmpl[name] = t
	}
	return &c, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(defaultPrompts)
	if err != nil {
		panic(err)
	}
	return c
}

var weekdays = [...]string{"domingo", "segunda-feira", "terça-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sábado"}

type promptData struct {
	Clinic  Clinic
	Today   string
	Weekday string
	Zone    string
	Offset  string
}

func (c *Catalog) render(name string, now time.Time) (string, error) {
	t, ok := c.tmpl[name]
	if !ok {
		return "", fmt.Errorf("prompt %q not in catalog", name)
	}
	var buf bytes.Buffer
	err := t.Execute(&buf, promptData{
		Clinic:  c.Clinic,
		Today:   now.Format("02/01/2006"),
		Weekday: weekdays[now.Weekday()],
		Zone:    now.Location().String(),
		Offset:  now.Format("-07:00"),
	})
	if err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}
