// Package query builds capture search predicates from request filters.
//
// A Predicate renders in two ways: as a SQL WHERE fragment with numbered
// placeholders for the PostgreSQL capture store, and as an in-memory match
// function for the memory store and tests. Both renderings are produced from
// the same tree so the two stores cannot drift.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
)

// Predicate is one node of a filter tree.
type Predicate interface {
	// Clause renders the node as a SQL fragment. Placeholders are numbered
	// starting at argStart. An empty fragment means the node does not
	// constrain the result set.
	Clause(argStart int) (string, []any)

	// Match reports whether a record satisfies the node.
	Match(rec *model.CaptureRecord) bool
}

// Always is the identity predicate: empty SQL, matches every record.
func Always() Predicate { return always{} }

type always struct{}

func (always) Clause(int) (string, []any)      { return "", nil }
func (always) Match(*model.CaptureRecord) bool { return true }

// And combines predicates conjunctively. Identity children are dropped.
func And(preds ...Predicate) Predicate { return conjunction{preds} }

type conjunction struct {
	preds []Predicate
}

func (c conjunction) Clause(argStart int) (string, []any) {
	var parts []string
	var args []any
	for _, p := range c.preds {
		clause, clauseArgs := p.Clause(argStart + len(args))
		if clause == "" {
			continue
		}
		parts = append(parts, clause)
		args = append(args, clauseArgs...)
	}
	return strings.Join(parts, " AND "), args
}

func (c conjunction) Match(rec *model.CaptureRecord) bool {
	for _, p := range c.preds {
		if !p.Match(rec) {
			return false
		}
	}
	return true
}

// Where renders a predicate as a full WHERE clause, or an empty string when
// the predicate does not constrain anything. Placeholders start at argStart.
func Where(p Predicate, argStart int) (string, []any) {
	clause, args := p.Clause(argStart)
	if clause == "" {
		return "", nil
	}
	return "WHERE " + clause, args
}

// DateBetween constrains a timestamp column to an inclusive range. A zero
// bound leaves that side open; two zero bounds are the identity predicate.
func DateBetween(col string, from, to time.Time, get func(*model.CaptureRecord) time.Time) Predicate {
	if from.IsZero() && to.IsZero() {
		return Always()
	}
	return dateBetween{col, from, to, get}
}

type dateBetween struct {
	col      string
	from, to time.Time
	get      func(*model.CaptureRecord) time.Time
}

func (d dateBetween) Clause(argStart int) (string, []any) {
	switch {
	case d.to.IsZero():
		return fmt.Sprintf("%s >= $%d", d.col, argStart), []any{d.from}
	case d.from.IsZero():
		return fmt.Sprintf("%s <= $%d", d.col, argStart), []any{d.to}
	default:
		return fmt.Sprintf("%s BETWEEN $%d AND $%d", d.col, argStart, argStart+1), []any{d.from, d.to}
	}
}

func (d dateBetween) Match(rec *model.CaptureRecord) bool {
	t := d.get(rec)
	if !d.from.IsZero() && t.Before(d.from) {
		return false
	}
	if !d.to.IsZero() && t.After(d.to) {
		return false
	}
	return true
}

// IDsExactAny constrains a UUID column to an explicit set. An empty set is
// the identity predicate.
func IDsExactAny(col string, ids []uuid.UUID, get func(*model.CaptureRecord) *uuid.UUID) Predicate {
	if len(ids) == 0 {
		return Always()
	}
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return idsExactAny{col, ids, set, get}
}

type idsExactAny struct {
	col string
	ids []uuid.UUID
	set map[uuid.UUID]struct{}
	get func(*model.CaptureRecord) *uuid.UUID
}

func (p idsExactAny) Clause(argStart int) (string, []any) {
	return fmt.Sprintf("%s = ANY($%d)", p.col, argStart), []any{p.ids}
}

func (p idsExactAny) Match(rec *model.CaptureRecord) bool {
	id := p.get(rec)
	if id == nil {
		return false
	}
	_, ok := p.set[*id]
	return ok
}

// DirectionExact constrains the call direction flag. Only 0 (inbound) and
// 1 (outbound) constrain; any other value, or nil, is the identity predicate.
func DirectionExact(direction *int) Predicate {
	if direction == nil || (*direction != 0 && *direction != 1) {
		return Always()
	}
	return directionExact{strconv.Itoa(*direction)}
}

type directionExact struct {
	value string
}

func (p directionExact) Clause(argStart int) (string, []any) {
	return fmt.Sprintf("direction = $%d", argStart), []any{p.value}
}

func (p directionExact) Match(rec *model.CaptureRecord) bool {
	return rec.Direction == p.value
}

// ContainsAny constrains a text column to rows containing at least one of the
// given substrings, case-insensitively.
func ContainsAny(col string, values []string, get func(*model.CaptureRecord) string) Predicate {
	values = CleanStrings(values)
	if len(values) == 0 {
		return Always()
	}
	lowered := make([]string, len(values))
	for i, v := range values {
		lowered[i] = strings.ToLower(v)
	}
	return containsAny{col, lowered, get}
}

type containsAny struct {
	col    string
	values []string
	get    func(*model.CaptureRecord) string
}

func (p containsAny) Clause(argStart int) (string, []any) {
	parts := make([]string, len(p.values))
	args := make([]any, len(p.values))
	for i, v := range p.values {
		parts[i] = fmt.Sprintf("lower(%s) LIKE $%d", p.col, argStart+i)
		args[i] = "%" + v + "%"
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func (p containsAny) Match(rec *model.CaptureRecord) bool {
	field := strings.ToLower(p.get(rec))
	for _, v := range p.values {
		if strings.Contains(field, v) {
			return true
		}
	}
	return false
}

// IntContainsAny constrains a numeric column to rows whose decimal rendering
// contains at least one of the given substrings.
func IntContainsAny(col string, values []string, get func(*model.CaptureRecord) int) Predicate {
	values = CleanStrings(values)
	if len(values) == 0 {
		return Always()
	}
	return intContainsAny{col, values, get}
}

type intContainsAny struct {
	col    string
	values []string
	get    func(*model.CaptureRecord) int
}

func (p intContainsAny) Clause(argStart int) (string, []any) {
	parts := make([]string, len(p.values))
	args := make([]any, len(p.values))
	for i, v := range p.values {
		parts[i] = fmt.Sprintf("%s::text LIKE $%d", p.col, argStart+i)
		args[i] = "%" + v + "%"
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func (p intContainsAny) Match(rec *model.CaptureRecord) bool {
	field := strconv.Itoa(p.get(rec))
	for _, v := range p.values {
		if strings.Contains(field, v) {
			return true
		}
	}
	return false
}

// UserIDIn constrains the owning user to an explicit set, typically the ids
// resolved from a display-name filter. An empty set is the identity predicate;
// callers short-circuit the zero-match case before building.
func UserIDIn(ids []uuid.UUID) Predicate {
	if len(ids) == 0 {
		return Always()
	}
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return userIDIn{ids, set}
}

type userIDIn struct {
	ids []uuid.UUID
	set map[uuid.UUID]struct{}
}

func (p userIDIn) Clause(argStart int) (string, []any) {
	return fmt.Sprintf("userid = ANY($%d)", argStart), []any{p.ids}
}

func (p userIDIn) Match(rec *model.CaptureRecord) bool {
	if rec.UserID == nil {
		return false
	}
	_, ok := p.set[*rec.UserID]
	return ok
}

// CleanStrings trims entries, drops blanks, and removes duplicates while
// preserving order.
func CleanStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// CleanIDs drops nil entries and duplicates while preserving order.
func CleanIDs(ids []*uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	var out []uuid.UUID
	for _, id := range ids {
		if id == nil {
			continue
		}
		if _, ok := seen[*id]; ok {
			continue
		}
		seen[*id] = struct{}{}
		out = append(out, *id)
	}
	return out
}

// Build assembles the capture search predicate: the mandatory dateadded range
// plus whichever optional filters carry usable values. userIDs is the set
// resolved from the display-name filter; nil means no name filter was given.
func Build(from, to time.Time, filters *model.FiltersRequest, userIDs []uuid.UUID) Predicate {
	preds := []Predicate{
		DateBetween("dateadded", from, to, func(r *model.CaptureRecord) time.Time { return r.DateAdded }),
	}
	if filters != nil {
		preds = append(preds,
			IDsExactAny("objectid", CleanIDs(filters.ObjectIDs), func(r *model.CaptureRecord) *uuid.UUID {
				id := r.ObjectID
				return &id
			}),
			DirectionExact(filters.Direction),
			ContainsAny("extensionnum", filters.ExtensionNum, func(r *model.CaptureRecord) string { return r.ExtensionNum }),
			IntContainsAny("channelnum", filters.ChannelNum, func(r *model.CaptureRecord) int { return r.ChannelNum }),
			ContainsAny("anialidigits", filters.AniAliDigits, func(r *model.CaptureRecord) string { return r.AniAliDigits }),
		)
	}
	preds = append(preds, UserIDIn(userIDs))
	return And(preds...)
}
