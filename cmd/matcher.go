package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shardexec/shardexec/fast"
)

// StepMatcher decides whether some action fires at the current cycle.
type StepMatcher func(st *fast.VMState) bool

// StepMatcherFlag is a cli.Generic flag value accepting "never", "always",
// "=<cycle>" (exactly that cycle) or "%<n>" (every n cycles).
type StepMatcherFlag struct {
	repr    string
	matcher StepMatcher
}

func MustStepMatcherFlag(pattern string) *StepMatcherFlag {
	out := new(StepMatcherFlag)
	if err := out.Set(pattern); err != nil {
		panic(err)
	}
	return out
}

func (m *StepMatcherFlag) Set(value string) error {
	m.repr = value
	switch {
	case value == "" || value == "never":
		m.matcher = func(st *fast.VMState) bool {
			return false
		}
	case value == "always":
		m.matcher = func(st *fast.VMState) bool {
			return true
		}
	case strings.HasPrefix(value, "="):
		cycle, err := strconv.ParseUint(value[1:], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid cycle match: %w", err)
		}
		m.matcher = func(st *fast.VMState) bool {
			return st.Cycle == cycle
		}
	case strings.HasPrefix(value, "%"):
		mod, err := strconv.ParseUint(value[1:], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid cycle modulo match: %w", err)
		}
		if mod == 0 {
			return fmt.Errorf("cycle modulo must not be zero")
		}
		m.matcher = func(st *fast.VMState) bool {
			return st.Cycle%mod == 0
		}
	default:
		return fmt.Errorf("unrecognized cycle matcher: %q", value)
	}
	return nil
}

func (m *StepMatcherFlag) String() string {
	return m.repr
}

func (m *StepMatcherFlag) Matcher() StepMatcher {
	if m.matcher == nil { // Set is not called if the flag is not set, default to never
		return func(st *fast.VMState) bool {
			return false
		}
	}
	return m.matcher
}
