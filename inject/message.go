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

// Package inject implements the Injector (spec §4.G): the transactional
// pipeline that takes a parsed Message, resolves deduplicated keys for
// every referenced address, field name and flag, reserves a UID per
// target mailbox, and atomically persists the message.
//
// MIME parsing itself is an external collaborator (go-message); this
// package only consumes the already-parsed Header/Bodypart tree.
package inject

import "github.com/aoxd/aoxd/ids"

// Header is one ordered (field, value) pair as it appeared on the wire.
type Header struct {
	Field string
	Value string
}

// Bodypart is a content-typed leaf or multipart node with a stable,
// dotted, 1-based part number (e.g. "1.2.3"); TEXT parts inherit their
// parent's number (spec §3).
type Bodypart struct {
	PartNumber string
	ContentType string
	Text        string
	Binary      []byte
	Children    []*Bodypart

	id   int64
	hash string
}

// Message is the parsed, immutable input to an Injector (spec §3).
type Message struct {
	Headers      []Header
	Root         *Bodypart
	InternalDate int64 // seconds since epoch
	Wrapped      bool

	// Parties referenced by the header, resolved via the address cache
	// during InsertingAddresses. Role is e.g. "From", "To", "Cc".
	Addresses []AddressRef
}

// AddressRef binds a parsed address to the header role and position it
// occupied, so LinkingAddresses can preserve both (spec §4.G step 5).
type AddressRef struct {
	Role     string
	Position int
	Addr     ids.Address
}

// Envelope is the optional SMTP/LMTP delivery envelope carried by a
// Message being injected via mail delivery rather than IMAP APPEND.
type Envelope struct {
	Sender     string
	Recipients []string
}

// Flag is a per-mailbox-message flag name; System marks one of the
// five IMAP system flags (spec §3).
type Flag struct {
	Name   string
	System bool
}

// Annotation is a (entry-path, attribute, value) tuple attached
// per-message-per-mailbox (spec §3).
type Annotation struct {
	Entry     string
	Attribute string
	Value     string
	Shared    bool
}
