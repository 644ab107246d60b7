// Package chunkkey implements the object key convention for uploaded audio
// chunks:
//
//	userId=<id>/conversationId=<id>/chunkId=<NNN>-isLastChunk=<true|false>.<ext>
//
// Both the chunk sequence and the completion flag are recovered from the key
// alone; no separate metadata lookup is needed.
package chunkkey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedKey is returned by [Parse] for keys that do not follow the
// upload convention. It is a permanent error: retrying cannot fix the key.
var ErrMalformedKey = errors.New("chunkkey: malformed object key")

// SequenceWidth is the number of digits of a formatted chunk sequence.
const SequenceWidth = 3

// MaxSequence is the largest chunk sequence that fits [SequenceWidth]
// digits. A conversation holds at most MaxSequence+1 chunks.
const MaxSequence = 999

const (
	userPrefix         = "userId="
	conversationPrefix = "conversationId="
	chunkPrefix        = "chunkId="
	lastChunkMarker    = "-isLastChunk="
)

// Key is the decoded form of an object key.
type Key struct {
	UserID         string
	ConversationID string
	Sequence       int
	IsLastChunk    bool

	// Ext is the file extension without the leading dot (e.g. "webm").
	Ext string
}

// PadSequence formats seq zero-padded to [SequenceWidth] digits. Keys with
// sequences in [0, MaxSequence] sort lexicographically in sequence order.
func PadSequence(seq int) string {
	return fmt.Sprintf("%0*d", SequenceWidth, seq)
}

// String formats k as an object key.
func (k Key) String() string {
	return fmt.Sprintf("%s%s/%s%s/%s%s%s%t.%s",
		userPrefix, k.UserID,
		conversationPrefix, k.ConversationID,
		chunkPrefix, PadSequence(k.Sequence),
		lastChunkMarker, k.IsLastChunk,
		k.Ext,
	)
}

// FileName returns the last path element of the key, which is what
// transcription providers receive as the upload file name.
func (k Key) FileName() string {
	return fmt.Sprintf("%s%s%s%t.%s", chunkPrefix, PadSequence(k.Sequence), lastChunkMarker, k.IsLastChunk, k.Ext)
}

// Validate reports whether k can be formatted into a parseable key.
func (k Key) Validate() error {
	switch {
	case k.UserID == "" || strings.Contains(k.UserID, "/"):
		return fmt.Errorf("%w: invalid user id %q", ErrMalformedKey, k.UserID)
	case k.ConversationID == "" || strings.Contains(k.ConversationID, "/"):
		return fmt.Errorf("%w: invalid conversation id %q", ErrMalformedKey, k.ConversationID)
	case k.Sequence < 0 || k.Sequence > MaxSequence:
		return fmt.Errorf("%w: chunk sequence %d outside [0, %d]", ErrMalformedKey, k.Sequence, MaxSequence)
	case k.Ext == "" || strings.ContainsAny(k.Ext, "/."):
		return fmt.Errorf("%w: invalid extension %q", ErrMalformedKey, k.Ext)
	}
	return nil
}

// Parse decodes an object key. Keys produced by storage event notifications
// may be URL-encoded; callers should unescape them first.
func Parse(key string) (Key, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q: expected 3 path segments, got %d", ErrMalformedKey, key, len(parts))
	}

	userID, ok := strings.CutPrefix(parts[0], userPrefix)
	if !ok || userID == "" {
		return Key{}, fmt.Errorf("%w: %q: missing %s segment", ErrMalformedKey, key, userPrefix)
	}
	conversationID, ok := strings.CutPrefix(parts[1], conversationPrefix)
	if !ok || conversationID == "" {
		return Key{}, fmt.Errorf("%w: %q: missing %s segment", ErrMalformedKey, key, conversationPrefix)
	}

	file, ok := strings.CutPrefix(parts[2], chunkPrefix)
	if !ok {
		return Key{}, fmt.Errorf("%w: %q: missing %s segment", ErrMalformedKey, key, chunkPrefix)
	}
	seqStr, rest, ok := strings.Cut(file, lastChunkMarker)
	if !ok {
		return Key{}, fmt.Errorf("%w: %q: missing isLastChunk flag", ErrMalformedKey, key)
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil || seq < 0 || strings.HasPrefix(seqStr, "+") {
		return Key{}, fmt.Errorf("%w: %q: chunk id %q is not a non-negative integer", ErrMalformedKey, key, seqStr)
	}
	if seq > MaxSequence {
		return Key{}, fmt.Errorf("%w: %q: chunk id %d exceeds %d", ErrMalformedKey, key, seq, MaxSequence)
	}

	flag, ext, ok := strings.Cut(rest, ".")
	if !ok || ext == "" || strings.Contains(ext, ".") {
		return Key{}, fmt.Errorf("%w: %q: missing file extension", ErrMalformedKey, key)
	}
	isLast, err := strconv.ParseBool(flag)
	if err != nil || (flag != "true" && flag != "false") {
		return Key{}, fmt.Errorf("%w: %q: isLastChunk %q is not true or false", ErrMalformedKey, key, flag)
	}

	return Key{
		UserID:         userID,
		ConversationID: conversationID,
		Sequence:       seq,
		IsLastChunk:    isLast,
		Ext:            ext,
	}, nil
}
