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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadAndMap(t *testing.T) {
	src := `
driver sqlite3
dsn aoxd.db
debug
listen imap://127.0.0.1:1143 imap://[::1]:1143
timeout 30s
`
	nodes, err := Read(strings.NewReader(src), "test.conf")
	require.NoError(t, err)
	require.Len(t, nodes, 5)

	m := NewMap(nodes)
	var driver, dsn string
	var debug bool
	var listen []string
	var timeout time.Duration
	m.String("driver", true, "", &driver)
	m.String("dsn", true, "", &dsn)
	m.Bool("debug", false, &debug)
	m.StringList("listen", true, nil, &listen)
	m.Duration("timeout", false, 0, &timeout)

	unmatched, err := m.Process()
	require.NoError(t, err)
	require.Empty(t, unmatched)
	require.Empty(t, m.Missing())

	require.Equal(t, "sqlite3", driver)
	require.Equal(t, "aoxd.db", dsn)
	require.True(t, debug)
	require.Equal(t, []string{"imap://127.0.0.1:1143", "imap://[::1]:1143"}, listen)
	require.Equal(t, 30*time.Second, timeout)
}

func TestMapMissingRequired(t *testing.T) {
	nodes, err := Read(strings.NewReader("debug yes\n"), "test.conf")
	require.NoError(t, err)

	m := NewMap(nodes)
	var dsn string
	m.String("dsn", true, "", &dsn)
	var debug bool
	m.Bool("debug", false, &debug)

	_, err = m.Process()
	require.NoError(t, err)
	require.Equal(t, []string{"dsn"}, m.Missing())
}

func TestReadNestedBlock(t *testing.T) {
	src := `
tls cert.pem key.pem {
	protocols tls1.2 tls1.3
}
`
	nodes, err := Read(strings.NewReader(src), "test.conf")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "tls", nodes[0].Name)
	require.Equal(t, []string{"cert.pem", "key.pem"}, nodes[0].Args)
	require.Len(t, nodes[0].Children, 1)
	require.Equal(t, "protocols", nodes[0].Children[0].Name)
}
