// Package engine evaluates a joining identity against the rule dataset and
// the upstream identity service: whitelist precedence, blocked-entity lookup,
// then keyword and obscenity screening of group and profile text.
package engine

import (
	"context"
	"strings"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/developingchet/vrc-instance-guard/internal/rulestore"
	"github.com/developingchet/vrc-instance-guard/internal/upstream"
	"github.com/rs/zerolog"
)

// MatchType labels where and how a rule fired.
type MatchType string

const (
	MatchBlockedUser       MatchType = "blocked_user"
	MatchBlockedGroup      MatchType = "blocked_group"
	MatchKeywordGroup      MatchType = "keyword_group"
	MatchKeywordProfile    MatchType = "keyword_profile"
	MatchObscenityGroup    MatchType = "obscenity_group"
	MatchObscenityProfile  MatchType = "obscenity_profile"
	MatchGroupLookupFailed MatchType = "group_lookup_failed"
)

// Provenance records what text triggered a match and where it came from.
type Provenance struct {
	IdentityID   string // group ID for group matches, user ID otherwise
	IdentityName string
	Pattern      string // keyword pattern or flagged word; empty for blocked entities
	Location     string // field name: "name", "description", "rules", "bio", ...
	Text         string // the offending field text
}

// Match is one rule hit.
type Match struct {
	Type       MatchType
	Severity   rulestore.Severity
	Reason     string
	Author     string
	Provenance Provenance
}

// Result is the outcome of evaluating one subject.
type Result struct {
	SubjectID   string
	SubjectName string
	Matched     bool
	Matches     []Match
}

// Worst returns the highest severity across all matches.
func (r *Result) Worst() rulestore.Severity {
	worst := rulestore.SeverityLow
	for _, m := range r.Matches {
		if m.Severity > worst {
			worst = m.Severity
		}
	}
	return worst
}

// RuleSource is the slice of the rule store the engine needs.
type RuleSource interface {
	EvaluateIdentity(ctx context.Context, id string) (rulestore.Verdict, error)
	KeywordRules() []rulestore.KeywordRule
}

// IdentityClient fetches subject data from the upstream service.
type IdentityClient interface {
	UserGroups(ctx context.Context, userID string) ([]upstream.Group, error)
	UserProfile(ctx context.Context, userID string) (*upstream.Profile, error)
}

// Engine ties the rule source and identity client together.
type Engine struct {
	rules  RuleSource
	client IdentityClient
	log    zerolog.Logger
}

func New(rules RuleSource, client IdentityClient, log zerolog.Logger) *Engine {
	return &Engine{rules: rules, client: client, log: log}
}

// Evaluate runs the full screening pipeline for one subject. A whitelisted
// subject short-circuits everything. Lookup failures degrade rather than
// abort: a failed group fetch yields a diagnostic match so the operator still
// hears about the join, a failed profile fetch only loses the profile checks.
func (e *Engine) Evaluate(ctx context.Context, userID, displayName string) Result {
	res := Result{SubjectID: userID, SubjectName: displayName}

	verdict, err := e.rules.EvaluateIdentity(ctx, userID)
	if err != nil {
		e.log.Warn().Err(err).Str("user", userID).Msg("identity lookup failed")
	}
	if verdict.Whitelisted {
		metrics.EvaluationsTotal.WithLabelValues("whitelisted").Inc()
		e.log.Debug().Str("user", userID).Msg("whitelisted, skipping checks")
		return res
	}
	if verdict.Blocked != nil {
		res.add(Match{
			Type:     MatchBlockedUser,
			Severity: verdict.Blocked.Severity,
			Reason:   verdict.Blocked.Reason,
			Author:   verdict.Blocked.Author,
			Provenance: Provenance{
				IdentityID:   userID,
				IdentityName: displayName,
			},
		})
	}

	e.checkGroups(ctx, userID, displayName, &res)
	e.checkProfile(ctx, userID, &res)

	outcome := "clean"
	if res.Matched {
		outcome = "matched"
	}
	metrics.EvaluationsTotal.WithLabelValues(outcome).Inc()
	return res
}

func (e *Engine) checkGroups(ctx context.Context, userID, displayName string, res *Result) {
	groups, err := e.client.UserGroups(ctx, userID)
	if err != nil {
		e.log.Warn().Err(err).Str("user", userID).Msg("group fetch failed")
		res.add(Match{
			Type:     MatchGroupLookupFailed,
			Severity: rulestore.SeverityMedium,
			Reason:   "group membership could not be verified: " + err.Error(),
			Provenance: Provenance{
				IdentityID:   userID,
				IdentityName: displayName,
			},
		})
		return
	}

	keywords := e.rules.KeywordRules()
	for _, g := range groups {
		gv, err := e.rules.EvaluateIdentity(ctx, g.ID)
		if err != nil {
			e.log.Warn().Err(err).Str("group", g.ID).Msg("group identity lookup failed")
		}
		if gv.Whitelisted {
			continue
		}
		prov := Provenance{IdentityID: g.ID, IdentityName: g.Name}
		if gv.Blocked != nil {
			res.add(Match{
				Type:       MatchBlockedGroup,
				Severity:   gv.Blocked.Severity,
				Reason:     gv.Blocked.Reason,
				Author:     gv.Blocked.Author,
				Provenance: prov,
			})
			// Membership alone already condemns the group; no point piling
			// keyword hits on top.
			continue
		}

		fields := []struct{ name, text string }{
			{"name", g.Name},
			{"description", g.Description},
			{"rules", g.Rules},
		}
		e.keywordPass(keywords, fields, MatchKeywordGroup, prov, res)
		e.obscenityPass(fields, MatchObscenityGroup, prov, res)
	}
}

func (e *Engine) checkProfile(ctx context.Context, userID string, res *Result) {
	profile, err := e.client.UserProfile(ctx, userID)
	if err != nil {
		e.log.Warn().Err(err).Str("user", userID).Msg("profile fetch failed, skipping profile checks")
		return
	}

	prov := Provenance{IdentityID: profile.ID, IdentityName: profile.DisplayName}
	fields := []struct{ name, text string }{
		{"display_name", profile.DisplayName},
		{"bio", profile.Bio},
		{"status", profile.Status},
		{"pronouns", strings.Join(profile.Pronouns, " ")},
	}
	e.keywordPass(e.rules.KeywordRules(), fields, MatchKeywordProfile, prov, res)
	e.obscenityPass(fields, MatchObscenityProfile, prov, res)
}

// keywordPass records the first keyword hit across the fields. One hit per
// identity is enough; repeated hits on the same subject add noise, not signal.
func (e *Engine) keywordPass(keywords []rulestore.KeywordRule, fields []struct{ name, text string }, mt MatchType, prov Provenance, res *Result) {
	for _, f := range fields {
		if f.text == "" {
			continue
		}
		for _, rule := range keywords {
			if !rule.Matcher.MatchString(f.text) {
				continue
			}
			prov.Pattern = rule.Matcher.Source
			prov.Location = f.name
			prov.Text = f.text
			res.add(Match{
				Type:       mt,
				Severity:   rule.Severity,
				Reason:     rule.Reason,
				Author:     rule.Author,
				Provenance: prov,
			})
			return
		}
	}
}

// obscenityPass flags each field containing a screened word.
func (e *Engine) obscenityPass(fields []struct{ name, text string }, mt MatchType, prov Provenance, res *Result) {
	for _, f := range fields {
		word, hit := findObscenity(f.text)
		if !hit {
			continue
		}
		prov.Pattern = word
		prov.Location = f.name
		prov.Text = f.text
		res.add(Match{
			Type:       mt,
			Severity:   rulestore.SeverityLow,
			Reason:     "profanity screen: " + word,
			Provenance: prov,
		})
	}
}

func (r *Result) add(m Match) {
	r.Matched = true
	r.Matches = append(r.Matches, m)
	metrics.MatchesTotal.WithLabelValues(string(m.Type), m.Severity.String()).Inc()
}
