package health

import (
	"errors"
	"strings"
	"sync"
)

// MultiChecker combines multiple Checkers; it is healthy only when all of
// them are. Safe for concurrent Add and Check.
type MultiChecker struct {
	mu       sync.Mutex
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{checkers: checkers}
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.checkers = append(mc.checkers, checker)
}

func (mc *MultiChecker) Check() error {
	mc.mu.Lock()
	checkers := make([]Checker, len(mc.checkers))
	copy(checkers, mc.checkers)
	mc.mu.Unlock()

	var errorStrings []string
	for _, checker := range checkers {
		if err := checker.Check(); err != nil {
			errorStrings = append(errorStrings, err.Error())
		}
	}
	if len(errorStrings) == 0 {
		return nil
	}
	return errors.New(strings.Join(errorStrings, "\n"))
}
