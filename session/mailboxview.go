package session

import (
	"strings"
	"sync"

	"github.com/aoxd/aoxd/mailbox"
)

// Thread is a stable, insertion-ordered container of UIDs sharing a
// base subject (RFC 5256 §2.1-style prefix stripping).
type Thread struct {
	Subject string
	UIDs    []uint32
}

// MailboxView is a Session that also groups messages into subject
// threads, for clients that want a threaded view (grounded on
// original_source/http/mailboxview.cpp's MailboxView).
//
// The original's thread(uid) scans the thread list linearly for every
// lookup -- an O(n^2) pattern across n lookups, and the fallback loop
// it degrades to (see mailboxview.cpp) is unreachable in the described
// first pass. Per spec §9's open question, this is replaced with a
// direct uid -> *Thread index maintained as messages are threaded.
type MailboxView struct {
	*Session

	mu       sync.Mutex
	bySubj   map[string]*Thread
	byUID    map[uint32]*Thread
	threads  []*Thread
	unready  uint32
}

// OpenView builds a MailboxView over mb. MailboxView sessions are
// always read-only (spec: it "models a webmail client's view").
func OpenView(mb *mailbox.Mailbox) *MailboxView {
	s := Open(mb, true)
	s.mu.Lock()
	s.headersNeeded = true
	s.mu.Unlock()
	return &MailboxView{
		Session: s,
		bySubj:  make(map[string]*Thread),
		byUID:   make(map[uint32]*Thread),
	}
}

// ThreadMessage files UID u, with the given Subject header value, into
// its thread, creating one on first sight of that base subject.
func (v *MailboxView) ThreadMessage(u uint32, subject string) *Thread {
	base := BaseSubject(subject)

	v.mu.Lock()
	defer v.mu.Unlock()

	t, ok := v.bySubj[base]
	if !ok {
		t = &Thread{Subject: base}
		v.bySubj[base] = t
		v.threads = append(v.threads, t)
	}
	t.UIDs = append(t.UIDs, u)
	v.byUID[u] = t
	return t
}

// Thread returns the Thread containing uid, or nil if none does --
// an O(1) lookup via the uid index, not a scan of the thread list.
func (v *MailboxView) Thread(uid uint32) *Thread {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.byUID[uid]
}

// ThreadBySubject returns (creating if necessary) the Thread for
// subject's base form.
func (v *MailboxView) ThreadBySubject(subject string) *Thread {
	base := BaseSubject(subject)
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.bySubj[base]
	if !ok {
		t = &Thread{Subject: base}
		v.bySubj[base] = t
		v.threads = append(v.threads, t)
	}
	return t
}

// HeadersReady clears the "still need threading headers" flag once the
// caller has fetched and threaded every UID up to the mailbox's
// uidnext. Base Session.Ready() consults this via headersNeeded.
func (v *MailboxView) HeadersReady() {
	v.Session.mu.Lock()
	v.Session.headersNeeded = false
	v.Session.mu.Unlock()
}

// BaseSubject implements the RFC 5256 §2.1 canonicalization used to
// bucket messages into threads: strip a leading "Re:"/"Fwd:" (and
// bracketed list-tag) chain and trailing "(fwd)", case-insensitively,
// repeating until stable.
func BaseSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		start := len(s)

		s = strings.TrimSpace(s)
		for strings.HasSuffix(strings.ToLower(s), "(fwd)") {
			s = strings.TrimSpace(s[:len(s)-len("(fwd)")])
		}

		lower := strings.ToLower(s)
		if idx := strings.Index(lower, "]"); strings.HasPrefix(lower, "[") && idx > 0 {
			s = strings.TrimSpace(s[idx+1:])
			lower = strings.ToLower(s)
		}

		switch {
		case strings.HasPrefix(lower, "re:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
		case strings.HasPrefix(lower, "fw:"):
			s = strings.TrimSpace(s[3:])
		}

		if len(s) == start {
			break
		}
	}
	return s
}
