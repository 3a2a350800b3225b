package reference

import (
	"io"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/customs-cli/internal/model"
)

type yamlDoc struct {
	Lists []struct {
		Country       string                     `yaml:"country"`
		ReferenceType string                     `yaml:"reference_type"`
		Candidates    []model.ReferenceCandidate `yaml:"candidates"`
	} `yaml:"lists"`
}

// ParseYAML reads lists of the form
//
//	lists:
//	  - country: KY
//	    reference_type: country
//	    candidates:
//	      - {code: US, label: United States, local_matches: [usa]}
func ParseYAML(r io.Reader) ([]model.ReferenceCandidate, error) {
	var doc yamlDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "reference: decode yaml")
	}
	var out []model.ReferenceCandidate
	for _, l := range doc.Lists {
		for _, c := range l.Candidates {
			c.Country = l.Country
			c.ReferenceType = l.ReferenceType
			out = append(out, c)
		}
	}
	return out, nil
}
