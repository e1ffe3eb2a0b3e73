/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"strconv"
	"time"
)

// Map matches a directive block's children against a set of expected
// directive names, converts their arguments and writes them into the
// caller's variables. Directives not registered via one of the typed
// methods are returned from Process as unmatched.
type Map struct {
	block    []Node
	matched  map[string]bool
	matchers map[string]func(Node) error
}

// NewMap prepares a Map over block's direct children.
func NewMap(block []Node) *Map {
	return &Map{
		block:    block,
		matched:  make(map[string]bool),
		matchers: make(map[string]func(Node) error),
	}
}

// String registers a single-argument string directive.
func (m *Map) String(name string, required bool, defaultVal string, store *string) {
	*store = defaultVal
	m.matchers[name] = func(n Node) error {
		if len(n.Args) != 1 {
			return NodeErr(n, "%s: expected exactly 1 argument", name)
		}
		*store = n.Args[0]
		return nil
	}
	if required {
		m.required(name)
	}
}

// StringList registers a directive taking one or more arguments.
func (m *Map) StringList(name string, required bool, defaultVal []string, store *[]string) {
	*store = defaultVal
	m.matchers[name] = func(n Node) error {
		if len(n.Args) == 0 {
			return NodeErr(n, "%s: expected at least 1 argument", name)
		}
		*store = n.Args
		return nil
	}
	if required {
		m.required(name)
	}
}

// Bool registers a directive that is either written bare (true), or
// with an explicit "yes"/"no"/"true"/"false" argument.
func (m *Map) Bool(name string, defaultVal bool, store *bool) {
	*store = defaultVal
	m.matchers[name] = func(n Node) error {
		if len(n.Args) == 0 {
			*store = true
			return nil
		}
		switch n.Args[0] {
		case "yes":
			*store = true
			return nil
		case "no":
			*store = false
			return nil
		}
		v, err := strconv.ParseBool(n.Args[0])
		if err != nil {
			return NodeErr(n, "%s: %v", name, err)
		}
		*store = v
		return nil
	}
}

// Int registers a single-argument integer directive.
func (m *Map) Int(name string, required bool, defaultVal int, store *int) {
	*store = defaultVal
	m.matchers[name] = func(n Node) error {
		if len(n.Args) != 1 {
			return NodeErr(n, "%s: expected exactly 1 argument", name)
		}
		v, err := strconv.Atoi(n.Args[0])
		if err != nil {
			return NodeErr(n, "%s: %v", name, err)
		}
		*store = v
		return nil
	}
	if required {
		m.required(name)
	}
}

// Duration registers a single-argument time.ParseDuration directive.
func (m *Map) Duration(name string, required bool, defaultVal time.Duration, store *time.Duration) {
	*store = defaultVal
	m.matchers[name] = func(n Node) error {
		if len(n.Args) != 1 {
			return NodeErr(n, "%s: expected exactly 1 argument", name)
		}
		v, err := time.ParseDuration(n.Args[0])
		if err != nil {
			return NodeErr(n, "%s: %v", name, err)
		}
		*store = v
		return nil
	}
	if required {
		m.required(name)
	}
}

func (m *Map) required(name string) {
	m.matched[name] = false
	prev := m.matchers[name]
	m.matchers[name] = func(n Node) error {
		m.matched[name] = true
		return prev(n)
	}
}

// Process matches every registered directive against the block,
// reporting unmatched nodes and the first conversion error. A
// required directive that never appeared in the block is reported
// once Process returns with no error, via Missing.
func (m *Map) Process() (unmatched []Node, err error) {
	for _, n := range m.block {
		fn, ok := m.matchers[n.Name]
		if !ok {
			unmatched = append(unmatched, n)
			continue
		}
		if err := fn(n); err != nil {
			return unmatched, err
		}
		m.matched[n.Name] = true
	}
	return unmatched, nil
}

// Missing reports every required directive Process did not see.
func (m *Map) Missing() []string {
	var missing []string
	for name := range m.matched {
		if !m.matched[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
