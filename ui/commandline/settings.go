// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/lora/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Settings is a table of named hyperparameters, each bound to the variable holding its value.
//
// The current value of the bound variable is the default, and its type defines how the
// string values given by the user are parsed.
//
// Supported types: *int, *int64, *uint64, *float32, *float64, *bool, *string, *[]string, *[]int and *[]float64.
type Settings struct {
	names   []string
	targets map[string]any
}

// NewSettings creates an empty table of settings.
func NewSettings() *Settings {
	return &Settings{targets: make(map[string]any)}
}

// Bind the hyperparameter name to the variable pointed by target.
// It returns an error if the name is already bound or if the type of target is not supported.
func (s *Settings) Bind(name string, target any) error {
	if name == "" {
		return errors.New("cannot bind a setting with an empty name")
	}
	if _, found := s.targets[name]; found {
		return errors.Errorf("setting %q already bound", name)
	}
	switch target.(type) {
	case *int, *int64, *uint64, *float32, *float64, *bool, *string, *[]string, *[]int, *[]float64:
	default:
		return errors.Errorf("don't know how to parse type %T for setting %q", target, name)
	}
	s.targets[name] = target
	s.names = append(s.names, name)
	return nil
}

// MustBind is like Bind, but panics on error. Used when binding the settings of a program at start up.
func (s *Settings) MustBind(name string, target any) *Settings {
	if err := s.Bind(name, target); err != nil {
		panic(err)
	}
	return s
}

// Names of the bound settings, sorted.
func (s *Settings) Names() []string {
	names := slices.Clone(s.names)
	slices.Sort(names)
	return names
}

// Value returns the current value of the setting name.
func (s *Settings) Value(name string) (value any, found bool) {
	target, found := s.targets[name]
	if !found {
		return nil, false
	}
	switch t := target.(type) {
	case *int:
		return *t, true
	case *int64:
		return *t, true
	case *uint64:
		return *t, true
	case *float32:
		return *t, true
	case *float64:
		return *t, true
	case *bool:
		return *t, true
	case *string:
		return *t, true
	case *[]string:
		return *t, true
	case *[]int:
		return *t, true
	case *[]float64:
		return *t, true
	}
	return nil, false
}

// Parse settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "lora_r=16;lora_alpha=32;...".
//
// All settings named must have been bound. It updates the bound variables and returns the
// names of the settings set, in the order they were given.
//
// An entry like "file:settings.txt" reads the settings from the file: new-lines work as ";",
// and lines starting with "#" are comments.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
func (s *Settings) Parse(settings string) (namesSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		namesSet, err = s.parseSetting(strings.TrimSpace(setting), namesSet)
		if err != nil {
			return
		}
	}
	return
}

func (s *Settings) parseSetting(setting string, namesSet []string) ([]string, error) {
	if setting == "" {
		return namesSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		return s.parseFile(filePath, namesSet)
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return namesSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<name>=<value>\"", setting)
	}
	name = strings.TrimSpace(name)
	target, found := s.targets[name]
	if !found {
		return namesSet, errors.Errorf("can't set %q: unknown setting, known settings are %q", name, s.Names())
	}
	if err := parseValue(target, strings.TrimSpace(valueStr)); err != nil {
		return namesSet, errors.WithMessagef(err, "failed to parse value %q for setting %q", valueStr, name)
	}
	return append(namesSet, name), nil
}

func (s *Settings) parseFile(filePath string, namesSet []string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return namesSet, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return namesSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			namesSet, err = s.parseSetting(strings.TrimSpace(setting), namesSet)
			if err != nil {
				return namesSet, err
			}
		}
	}
	return namesSet, nil
}

// parseValue parses valueStr into the variable pointed by target. target is only changed on success.
func parseValue(target any, valueStr string) error {
	switch t := target.(type) {
	case *int:
		return unmarshalInt(valueStr, t)
	case *int64:
		return unmarshalInt(valueStr, t)
	case *uint64:
		return unmarshalInt(valueStr, t)
	case *float32:
		return unmarshalInto(valueStr, t)
	case *float64:
		return unmarshalInto(valueStr, t)
	case *bool:
		return unmarshalInto(valueStr, t)
	case *string:
		*t = valueStr
	case *[]string:
		*t = splitList(valueStr)
	case *[]int:
		return parseList(valueStr, t, unmarshalInt[int])
	case *[]float64:
		return parseList(valueStr, t, unmarshalInto[float64])
	default:
		return errors.Errorf("don't know how to parse type %T", target)
	}
	return nil
}

func unmarshalInto[T any](valueStr string, target *T) error {
	var v T
	if err := json.Unmarshal([]byte(valueStr), &v); err != nil {
		return errors.WithStack(err)
	}
	*target = v
	return nil
}

func unmarshalInt[T int | int64 | uint64](valueStr string, target *T) error {
	return unmarshalInto(strings.ReplaceAll(valueStr, "_", ""), target)
}

// splitList splits a comma separated list. An empty string is an empty list.
func splitList(valueStr string) []string {
	if valueStr == "" {
		return []string{}
	}
	parts := strings.Split(valueStr, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}

func parseList[T any](valueStr string, target *[]T, parseFn func(string, *T) error) error {
	parts := splitList(valueStr)
	values := make([]T, len(parts))
	for i, part := range parts {
		if err := parseFn(part, &values[i]); err != nil {
			return errors.WithMessagef(err, "element #%d", i)
		}
	}
	*target = values
	return nil
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") in the flagSet (if nil flag.CommandLine is used), with a description of the
// currently bound settings.
//
// The flag should be created before the call to `flags.Parse()`.
//
// Example usage:
//
//	func main() {
//		cfg := lora.DefaultConfig()
//		s := commandline.NewSettings().MustBind("lora_r", &cfg.Rank)
//		settingsFlag := commandline.CreateSettingsFlag(s, nil, "")
//		flag.Parse()
//		_, err := s.Parse(*settingsFlag)
//		if err != nil { klog.Fatalf("%+v", err) }
//		fmt.Println(commandline.SprintSettings(s))
//		...
//	}
func CreateSettingsFlag(s *Settings, flagSet *flag.FlagSet, flagName string) *string {
	if flagSet == nil {
		flagSet = flag.CommandLine
	}
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set hyperparameters. ` +
			`It should be a list of elements "name=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available settings:`,
	}
	for _, name := range s.Names() {
		value, _ := s.Value(name)
		parts = append(parts, fmt.Sprintf("%q: default value is %v", name, value))
	}
	return flagSet.String(flagName, "", strings.Join(parts, "\n"))
}

// SprintSettings pretty-print the current values of the settings into a string.
func SprintSettings(s *Settings) string {
	parts := make([]string, 0, len(s.names))
	for _, name := range s.Names() {
		value, _ := s.Value(name)
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", name, value, value))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-print only the settings listed in namesSet (as returned by Settings.Parse),
// without duplicates.
func SprintModifiedSettings(s *Settings, namesSet []string) string {
	namesSet = slices.Clone(namesSet)
	slices.Sort(namesSet)
	namesSet = slices.Compact(namesSet)
	parts := make([]string, 0, len(namesSet))
	for _, name := range namesSet {
		value, found := s.Value(name)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", name, value, value))
	}
	return strings.Join(parts, "\n")
}
