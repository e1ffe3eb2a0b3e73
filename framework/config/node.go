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

// Package config reads the directive files aoxd loads its listener,
// storage driver and logging settings from:
//
//	listen tcp://127.0.0.1:1143
//	driver sqlite3
//	dsn aoxd.db
//	debug yes
//
// Each line is a Node: a name, zero or more args, and an optional
// brace-delimited block of child Nodes. The tokenizer lives in the
// sibling lexer package; this package only builds and walks the tree.
package config

import (
	"fmt"
	"io"

	"github.com/aoxd/aoxd/framework/config/lexer"
)

// Node is one directive: "name arg0 arg1 { children }".
type Node struct {
	Name     string
	Args     []string
	Children []Node

	File string
	Line int
}

// NodeErr formats an error tagged with where in the source n came from.
func NodeErr(n Node, format string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", n.File, n.Line, fmt.Sprintf(format, args...))
}

// Read parses every top-level directive out of r.
func Read(r io.Reader, file string) ([]Node, error) {
	toks, err := lexer.Lex(file, r)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, file: file}
	var nodes []Node
	for p.more() {
		n, err := p.readNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

type parser struct {
	toks []lexer.Token
	pos  int
	file string
}

func (p *parser) more() bool { return p.pos < len(p.toks) }

func (p *parser) peek() lexer.Token { return p.toks[p.pos] }

func (p *parser) readNode() (Node, error) {
	tok := p.toks[p.pos]
	n := Node{Name: tok.Text, File: p.file, Line: tok.Line}
	p.pos++

	for p.more() {
		tok = p.peek()
		if tok.Text == "{" {
			p.pos++
			children, err := p.readBlock()
			if err != nil {
				return n, err
			}
			n.Children = children
			return n, nil
		}
		if tok.Text == "}" {
			break
		}
		if tok.Line != n.Line {
			break
		}
		n.Args = append(n.Args, tok.Text)
		p.pos++
	}
	return n, nil
}

func (p *parser) readBlock() ([]Node, error) {
	var nodes []Node
	for p.more() {
		tok := p.peek()
		if tok.Text == "}" {
			p.pos++
			return nodes, nil
		}
		n, err := p.readNode()
		if err != nil {
			return nodes, err
		}
		nodes = append(nodes, n)
	}
	return nodes, fmt.Errorf("%s: unexpected EOF, unclosed block", p.file)
}
