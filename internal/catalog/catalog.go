// Package catalog holds the bounded list of services the mapping stage may
// recommend.
package catalog

import (
	_ "embed"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Service is one recommendable offering.
type Service struct {
	Code         string   `yaml:"code" json:"code"`
	Name         string   `yaml:"name" json:"name"`
	Category     string   `yaml:"category" json:"category"`
	PricingModel string   `yaml:"pricing_model" json:"pricing_model"`
	Price        float64  `yaml:"price" json:"price"`
	Period       string   `yaml:"period" json:"period"`
	Outcome      string   `yaml:"outcome" json:"outcome"`
	Aliases      []string `yaml:"aliases" json:"aliases,omitempty"`
	Keywords     []string `yaml:"keywords" json:"keywords"`
	Active       bool     `yaml:"active" json:"active"`
}

type file struct {
	Services []Service `yaml:"services"`
}

// Catalog is immutable after Load.
type Catalog struct {
	services []Service
	byCode   map[string]int
}

// Load reads a catalog file, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(data)
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes and validates catalog YAML. Codes and aliases must be
// unique and every service needs a name.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "catalog: parse")
	}
	if len(f.Services) == 0 {
		return nil, eris.New("catalog: no services defined")
	}

	c := &Catalog{byCode: make(map[string]int)}
	for _, s := range f.Services {
		s.Code = normalizeCode(s.Code)
		if s.Code == "" || s.Name == "" {
			return nil, eris.Errorf("catalog: service %q needs a code and a name", s.Code)
		}
		idx := len(c.services)
		for _, key := range append([]string{s.Code}, s.Aliases...) {
			key = normalizeCode(key)
			if _, dup := c.byCode[key]; dup {
				return nil, eris.Errorf("catalog: duplicate code %q", key)
			}
			c.byCode[key] = idx
		}
		for i, kw := range s.Keywords {
			s.Keywords[i] = strings.ToLower(strings.TrimSpace(kw))
		}
		c.services = append(c.services, s)
	}
	return c, nil
}

func normalizeCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "_", " ", "_").Replace(code)
}

// Get resolves a code or alias to its canonical service.
func (c *Catalog) Get(code string) (Service, bool) {
	idx, ok := c.byCode[normalizeCode(code)]
	if !ok {
		return Service{}, false
	}
	return c.services[idx], true
}

// Has reports whether code or an alias of it is in the catalog.
func (c *Catalog) Has(code string) bool {
	_, ok := c.Get(code)
	return ok
}

// Services returns the active services in file order.
func (c *Catalog) Services() []Service {
	out := make([]Service, 0, len(c.services))
	for _, s := range c.services {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

// Codes returns the canonical codes of active services.
func (c *Catalog) Codes() []string {
	svcs := c.Services()
	out := make([]string, len(svcs))
	for i, s := range svcs {
		out[i] = s.Code
	}
	return out
}

// Score is how strongly a text points at one service.
type Score struct {
	Code    string   `json:"code"`
	Score   int      `json:"score"`
	Matched []string `json:"matched"`
}

// Score counts keyword hits per active service in text. Services with no
// hits are omitted; the rest are ordered by score, then code.
func (c *Catalog) Score(text string) []Score {
	lower := strings.ToLower(text)
	var out []Score
	for _, s := range c.Services() {
		var sc Score
		for _, kw := range s.Keywords {
			if kw == "" {
				continue
			}
			if n := strings.Count(lower, kw); n > 0 {
				sc.Score += n
				sc.Matched = append(sc.Matched, kw)
			}
		}
		if sc.Score > 0 {
			sc.Code = s.Code
			out = append(out, sc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Code < out[j].Code
	})
	return out
}
