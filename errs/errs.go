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

// Package errs implements the error taxonomy used across the server:
// syntax/semantic/permission/transient/fatal/timeout, plus the field
// and retriability helpers that the logging and protocol layers need.
//
// Parsers and commands build one of these kinds and let the protocol
// endpoint render it to a wire-level response; nothing downstream of
// this package should be switching on protocol error codes directly.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for protocol rendering and retry policy.
// See spec §7.
type Kind int

const (
	// Unspecified errors are treated as Fatal for safety.
	Unspecified Kind = iota
	ProtocolSyntax
	Semantic
	Permission
	Transient
	Fatal
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ProtocolSyntax:
		return "protocol-syntax"
	case Semantic:
		return "semantic"
	case Permission:
		return "permission"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case Timeout:
		return "timeout"
	default:
		return "unspecified"
	}
}

// Error is a taxonomy-tagged error carrying optional structured fields
// for logging. Render it to a protocol response only at the boundary
// (protocol/*); everywhere else treat it as a normal error.
type Error struct {
	Kind   Kind
	Msg    string
	Err    error
	fields map[string]interface{}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Fields() map[string]interface{} {
	return e.fields
}

func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func Syntaxf(format string, a ...interface{}) *Error {
	return &Error{Kind: ProtocolSyntax, Msg: fmt.Sprintf(format, a...)}
}

func Semanticf(format string, a ...interface{}) *Error {
	return &Error{Kind: Semantic, Msg: fmt.Sprintf(format, a...)}
}

func PermissionDenied(msg string) *Error {
	return &Error{Kind: Permission, Msg: msg}
}

func Transientf(cause error, format string, a ...interface{}) *Error {
	return &Error{Kind: Transient, Msg: fmt.Sprintf(format, a...), Err: cause}
}

func Fatalf(cause error, format string, a ...interface{}) *Error {
	return &Error{Kind: Fatal, Msg: fmt.Sprintf(format, a...), Err: cause}
}

// WithFields attaches structured fields to err for Logger.Error, without
// changing its Kind or unwrap chain.
func WithFields(err error, fields map[string]interface{}) error {
	return &fieldsWrap{err: err, fields: fields}
}

type fieldsWrap struct {
	err    error
	fields map[string]interface{}
}

func (fw *fieldsWrap) Error() string               { return fw.err.Error() }
func (fw *fieldsWrap) Unwrap() error                { return fw.err }
func (fw *fieldsWrap) Fields() map[string]interface{} { return fw.fields }

type fieldsErr interface {
	Fields() map[string]interface{}
}

// Fields walks the Unwrap chain of err collecting all Fields(), outermost
// wins on key collision.
func Fields(err error) map[string]interface{} {
	fields := make(map[string]interface{}, 5)
	for err != nil {
		if fe, ok := err.(fieldsErr); ok {
			for k, v := range fe.Fields() {
				if fields[k] == nil {
					fields[k] = v
				}
			}
		}
		err = errors.Unwrap(err)
	}
	return fields
}

// KindOf walks err's Unwrap chain and returns the first *Error's Kind, or
// Unspecified (treated as Fatal by callers) if none is found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unspecified
}

// IsTemporary reports whether err (or something it wraps) is classified as
// Transient -- i.e. the caller should retry the operation once before
// surfacing it to the client.
func IsTemporary(err error) bool {
	return KindOf(err) == Transient
}
