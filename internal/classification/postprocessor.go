package classification

import "strings"

// Postprocessor filters or modifies a list of classifications.
type Postprocessor func(Classifications) Classifications

// NewScoreFilter drops classifications scoring below minScore.
func NewScoreFilter(minScore float64) Postprocessor {
	return func(in Classifications) Classifications {
		out := make(Classifications, 0, len(in))
		for _, c := range in {
			if c.Score >= minScore {
				out = append(out, c)
			}
		}
		return out
	}
}

// NewLabelFilter keeps only classifications with one of labels, compared case-insensitively.
// An empty label list keeps everything.
func NewLabelFilter(labels ...string) Postprocessor {
	wanted := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		wanted[strings.ToLower(label)] = struct{}{}
	}
	return func(in Classifications) Classifications {
		if len(wanted) == 0 {
			return in
		}
		out := make(Classifications, 0, len(in))
		for _, c := range in {
			if _, ok := wanted[strings.ToLower(c.Label)]; ok {
				out = append(out, c)
			}
		}
		return out
	}
}

// Apply runs the postprocessors in order.
func (cs Classifications) Apply(postprocessors ...Postprocessor) Classifications {
	for _, p := range postprocessors {
		cs = p(cs)
	}
	return cs
}
