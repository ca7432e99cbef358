package plugin

import (
	"fmt"
	"strings"
)

// Kind identifies what a step does.
type Kind string

const (
	KindExtract Kind = "extract"
	KindCopy    Kind = "copy"
	KindRename  Kind = "rename"
	KindClear   Kind = "clear"
)

// Step is a single post processing instruction. Steps are plain values, they
// only describe the work; [Run] interprets them.
type Step struct {
	Kind Kind `json:"kind" yaml:"kind" mapstructure:"kind"`
	// Directory is the subdirectory of the working dir archives are extracted into.
	Directory string `json:"directory,omitempty" yaml:"directory,omitempty" mapstructure:"directory"`
	// Source is the file name looked up in the working dir; empty means the downloaded file.
	Source string `json:"source,omitempty" yaml:"source,omitempty" mapstructure:"source"`
	// Destination is the path the file ends up at.
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty" mapstructure:"destination"`
}

// Extract unpacks the downloaded archive into directory, relative to the working dir.
func Extract(directory string) Step {
	return Step{Kind: KindExtract, Directory: directory}
}

// Copy copies source to destination, leaving the original in place.
func Copy(source, destination string) Step {
	return Step{Kind: KindCopy, Source: source, Destination: destination}
}

// Rename moves source to destination.
func Rename(source, destination string) Step {
	return Step{Kind: KindRename, Source: source, Destination: destination}
}

// Clear removes the downloaded file from the cache.
func Clear() Step {
	return Step{Kind: KindClear}
}

// Validate checks that the step carries the parameters its kind needs.
func (s Step) Validate() error {
	switch s.Kind {
	case KindExtract, KindClear:
		return nil
	case KindCopy, KindRename:
		if strings.TrimSpace(s.Destination) == "" {
			return fmt.Errorf("%s step requires a destination", s.Kind)
		}
		return nil
	case "":
		return fmt.Errorf("step kind is missing")
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
}

func (s Step) String() string {
	switch s.Kind {
	case KindExtract:
		if s.Directory != "" {
			return fmt.Sprintf("extract into %s", s.Directory)
		}
		return "extract"
	case KindCopy, KindRename:
		source := s.Source
		if source == "" {
			source = "<download>"
		}
		return fmt.Sprintf("%s %s to %s", s.Kind, source, s.Destination)
	default:
		return string(s.Kind)
	}
}

// Steps returns the steps to run for an asset; when none are configured but a target
// path is, the downloaded file is copied there.
func Steps(configured []Step, target string) []Step {
	if len(configured) == 0 && target != "" {
		return []Step{Copy("", target)}
	}
	return configured
}

// ParseStep builds a step from its kind and the loosely typed parameters found in
// configuration files.
func ParseStep(kind string, params map[string]string) (Step, error) {
	step := Step{
		Kind:        Kind(strings.ToLower(strings.TrimSpace(kind))),
		Directory:   params["directory"],
		Source:      params["source"],
		Destination: params["destination"],
	}
	if err := step.Validate(); err != nil {
		return Step{}, err
	}
	return step, nil
}
