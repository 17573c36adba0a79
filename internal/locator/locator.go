// Package locator maps a (tenant, timestamp, username) triple to the blob key
// of the matching WAV recording.
//
// The capture platform writes recordings under OPCO/year/month/day/ with base
// names of the form "CALL-2025-03-07 14-22-31Customer Name.wav": a five
// character prefix, the call date, a space, the call time with dashes, then
// the customer label. The locator lists the day's keys, keeps those whose
// embedded timestamp matches the request, and picks the one whose normalized
// customer label matches the normalized username.
package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
)

// ErrNoRecording is returned when no blob matches the request.
var ErrNoRecording = errors.New("no matching recording")

// Lister lists blob keys under a prefix.
type Lister interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Locator resolves recording requests to blob keys.
type Locator struct {
	blobs  Lister
	strict bool // refuse the last-timestamp-match fallback
	logger *slog.Logger
}

// New creates a Locator. With strict set, a request whose timestamp matches
// blobs but whose username matches none of them is treated as not found
// instead of falling back to the last timestamp match.
func New(blobs Lister, strict bool, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{blobs: blobs, strict: strict, logger: logger}
}

// DayPrefix builds the listing prefix for one tenant and calendar day.
// Year, month, and day are not zero-padded.
func DayPrefix(opco string, day time.Time) string {
	return fmt.Sprintf("%s/%d/%d/%d/", strings.ToUpper(opco), day.Year(), int(day.Month()), day.Day())
}

// Normalize lowercases a label and strips everything but letters and digits,
// so "O'Brien, Pat" and "obrienpat" compare equal.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseBaseName extracts the embedded timestamp and customer label from a
// recording base name. Malformed names return an error and are skipped.
func parseBaseName(base string) (time.Time, string, error) {
	if !strings.HasSuffix(base, ".wav") {
		return time.Time{}, "", fmt.Errorf("not a recording name %q", base)
	}
	wav := strings.Index(base, ".wav")
	if wav < 24 {
		return time.Time{}, "", fmt.Errorf("unrecognized recording name %q", base)
	}
	datePart := base[5:15]
	timePart := strings.ReplaceAll(base[16:24], "-", ":")
	ts, err := model.ParseDateTime(datePart + " " + timePart)
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, base[24:wav], nil
}

// Locate returns the blob key for the recording made at ts by username.
func (l *Locator) Locate(ctx context.Context, opco string, ts time.Time, username string) (string, error) {
	prefix := DayPrefix(opco, ts)
	keys, err := l.blobs.ListKeys(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return "", ErrNoRecording
	}

	wantName := Normalize(username)
	lastTimestampMatch := ""
	for _, key := range keys {
		base := key
		if i := strings.LastIndex(key, "/"); i >= 0 {
			base = key[i+1:]
		}
		blobTS, customer, err := parseBaseName(base)
		if err != nil {
			l.logger.Debug("skipping unparsable blob", "key", key, "error", err)
			continue
		}
		if !blobTS.Equal(ts) {
			continue
		}
		if Normalize(customer) == wantName {
			return key, nil
		}
		lastTimestampMatch = key
	}

	if lastTimestampMatch != "" && !l.strict {
		l.logger.Warn("no customer label matched, using last timestamp match",
			"opco", opco, "username", username, "key", lastTimestampMatch)
		return lastTimestampMatch, nil
	}
	return "", ErrNoRecording
}
