// Package acl implements the ACL kernel (component D): deterministic
// computation of an effective permission mask from a capsule's owner,
// controller, and access-entry tables plus ambient context (public mode,
// a presented magic-link token).
package acl

import (
	"github.com/capsulekit/engine/pkg/apperr"
	"github.com/capsulekit/engine/pkg/metrics"
	"github.com/capsulekit/engine/pkg/model"
)

// Reason explains which rule produced a subject's access, for audit
// logging and for the tie-break ordering in §4.D.
type Reason string

const (
	ReasonNone       Reason = "none"
	ReasonOwner      Reason = "owner"
	ReasonController Reason = "controller"
	ReasonDirect     Reason = "direct_entry"
	ReasonGroup      Reason = "group"
	ReasonMagicLink  Reason = "magic_link"
	ReasonPublic     Reason = "public"
)

// Context carries everything the evaluator needs beyond the capsule
// record itself: who is asking, when, and any bearer token presented
// out-of-band (a magic-link token, matched against AccessEntry
// SubjectRules of the form "magic:<token>").
type Context struct {
	Subject        model.PersonRef
	NowNanos       int64
	MagicLinkToken string // empty if none presented
	PublicBaseline model.Mask
}

// Result is the outcome of an evaluation: the effective mask plus the
// highest-precedence reason that contributed to it.
type Result struct {
	Mask   model.Mask
	Reason Reason
}

// subjectRuleMatches reports whether an AccessEntry's SubjectRule admits
// ctx.Subject (or, for magic-link entries, ctx.MagicLinkToken).
func subjectRuleMatches(rule string, ctx Context) bool {
	switch {
	case rule == "public":
		return true
	case len(rule) > len("person:") && rule[:len("person:")] == "person:":
		return rule[len("person:"):] == ctx.Subject.Value
	case len(rule) > len("magic:") && rule[:len("magic:")] == "magic:":
		return ctx.MagicLinkToken != "" && rule[len("magic:"):] == ctx.MagicLinkToken
	case len(rule) > len("group:") && rule[:len("group:")] == "group:":
		// Group membership resolution is a request-layer collaborator's
		// concern; the kernel only recognizes the rule shape here. A
		// caller wanting group semantics passes a pre-expanded
		// "person:<id>" rule per member instead.
		return false
	default:
		return false
	}
}

func reasonForValidity(v model.AccessValidity) Reason {
	switch v {
	case model.ValidityMagicLink:
		return ReasonMagicLink
	case model.ValidityGroup:
		return ReasonGroup
	case model.ValidityPublic:
		return ReasonPublic
	default:
		return ReasonDirect
	}
}

// precedence orders reasons per §4.D's tie-break: owner → controller →
// direct entry → group → magic-link → public. Lower value wins.
func precedence(r Reason) int {
	switch r {
	case ReasonOwner:
		return 0
	case ReasonController:
		return 1
	case ReasonDirect:
		return 2
	case ReasonGroup:
		return 3
	case ReasonMagicLink:
		return 4
	case ReasonPublic:
		return 5
	default:
		return 99
	}
}

// EvaluateCapsule computes ctx.Subject's effective mask against a
// capsule, following the seven steps of §4.D.
func EvaluateCapsule(c *model.Capsule, ctx Context) Result {
	entries := make([]model.AccessEntry, 0, len(c.AccessEntries))
	for _, e := range c.AccessEntries {
		if e.Scope == model.ScopeCapsule {
			entries = append(entries, e)
		}
	}
	_, hasController := c.ActiveController(ctx.Subject, ctx.NowNanos)
	return evaluate(c.IsOwner(ctx.Subject), hasController, entries, c.Public, ctx)
}

// EvaluateMemory computes ctx.Subject's effective mask against a memory,
// combining the memory's own access entries with ownership/control
// inherited from its owning capsule (capsule OWN/MANAGE implies the same
// over every memory it contains).
func EvaluateMemory(c *model.Capsule, m *model.Memory, ctx Context) Result {
	entries := make([]model.AccessEntry, 0, len(c.AccessEntries)+len(m.AccessEntries))
	for _, e := range c.AccessEntries {
		if e.Scope == model.ScopeMemory {
			entries = append(entries, e)
		}
	}
	entries = append(entries, m.AccessEntries...)

	isPublic := c.Public || m.Public
	_, hasController := c.ActiveController(ctx.Subject, ctx.NowNanos)
	return evaluate(c.IsOwner(ctx.Subject), hasController, entries, isPublic, ctx)
}

func evaluate(isOwner bool, hasController bool, entries []model.AccessEntry, isPublic bool, ctx Context) Result {
	var mask model.Mask
	reason := ReasonNone

	adopt := func(candidate model.Mask, candidateReason Reason) {
		mask |= candidate
		if reason == ReasonNone || precedence(candidateReason) < precedence(reason) {
			reason = candidateReason
		}
	}

	if isOwner {
		adopt(model.MaskOwn, ReasonOwner)
	}
	if hasController {
		adopt(model.MaskManage, ReasonController)
	}
	for _, e := range entries {
		if !e.Active(ctx.NowNanos) {
			continue
		}
		if !subjectRuleMatches(e.SubjectRule, ctx) {
			continue
		}
		adopt(e.PermissionsMask, reasonForValidity(e.Validity))
	}
	if isPublic {
		adopt(ctx.PublicBaseline, ReasonPublic)
	}

	return Result{Mask: mask, Reason: reason}
}

// Require gates an operation: it returns nil if result.Mask contains
// every bit of required, otherwise an Unauthorized *apperr.Error.
func Require(result Result, required model.Mask) error {
	if result.Mask.Has(required) {
		metrics.ACLDecisionsTotal.WithLabelValues(string(result.Reason), "allowed").Inc()
		return nil
	}
	metrics.ACLDecisionsTotal.WithLabelValues(string(result.Reason), "denied").Inc()
	return apperr.Unauthorizedf("required %s, have %s", required.String(), result.Mask.String())
}
