package main

import (
	"flag"
	"fmt"
	"strconv"
)

// countFlag is both bool and int, for handling repeated "-v -v -v"
// (the same shape as cmd/dist.count in go.git).
type countFlag int

func (c *countFlag) String() string {
	return fmt.Sprint(int(*c))
}

func (c *countFlag) Set(s string) error {
	switch s {
	case "true":
		*c++
	case "false":
		*c = 0
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid count %q", s)
		}
		*c = countFlag(n)
	}
	return nil
}

// IsBoolFlag marks countFlag so the flag package accepts "-v" without an
// explicit argument.
func (c *countFlag) IsBoolFlag() bool {
	return true
}

var _ flag.Value = (*countFlag)(nil)
