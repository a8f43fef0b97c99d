package scheduler

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orchestra/squadcore/internal/apperr"
)

// Rule maps an issue type to the highest priority number still eligible
// for auto-proceed.
type Rule struct {
	Type            string  `json:"type" yaml:"type"`
	MaxAutoPriority int     `json:"maxAutoPriority" yaml:"maxAutoPriority"`
	Note            *string `json:"note,omitempty" yaml:"note,omitempty"`
}

// Override pins a specific task to always review or always auto-proceed.
type Override struct {
	TaskID string  `json:"taskId" yaml:"taskId"`
	Action string  `json:"action" yaml:"action"` // always_review | always_auto
	Reason *string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// RulesFile is the project-local review rules file.
type RulesFile struct {
	Version       int        `json:"version" yaml:"version"`
	DefaultAction string     `json:"defaultAction" yaml:"defaultAction"` // review | auto
	Rules         []Rule     `json:"rules" yaml:"rules"`
	Overrides     []Override `json:"overrides" yaml:"overrides"`
}

// LoadRulesFile loads a RulesFile from path. The wire format is JSON per
// the external interfaces contract; YAML is accepted too since every
// other project-local config in this core is YAML.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "read rules file", err)
	}
	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse rules file", err)
	}
	return &rf, nil
}

func (rf *RulesFile) overrideFor(taskID string) *Override {
	if rf == nil {
		return nil
	}
	for i := range rf.Overrides {
		if rf.Overrides[i].TaskID == taskID {
			return &rf.Overrides[i]
		}
	}
	return nil
}

func (rf *RulesFile) ruleFor(issueType string) *Rule {
	if rf == nil {
		return nil
	}
	for i := range rf.Rules {
		if rf.Rules[i].Type == issueType {
			return &rf.Rules[i]
		}
	}
	return nil
}
