// Package credstuffing detects credential-stuffing campaigns: high-volume
// low-success login streams, breach-list replay, and the same credential
// pair probed from many source IPs.
package credstuffing

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aegisd-project/aegisd/internal/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const DetectorName = "credential_stuffing"

const maxProfiles = 50000

type attempt struct {
	At        time.Time `json:"at"`
	Pair      string    `json:"pair"`
	Succeeded bool      `json:"succeeded"`
}

type profile struct {
	attempts  []attempt
	firstSeen time.Time
	lastSeen  time.Time
	total     int
	succeeded int
	pairs     map[string]struct{}
}

// Detector tracks per-IP login streams plus a credential-pair to source-IP
// index, maintained incrementally on every attempt so the distributed check
// is a single map lookup rather than a scan of all profiles.
type Detector struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	profiles *lru.Cache[string, *profile]

	// pairIndex maps a credential pair to the IPs that have tried it,
	// with each IP's most recent attempt time for pruning.
	pairIndex map[string]map[string]time.Time

	window             time.Duration
	volumeThreshold    int
	maxSuccessRate     float64
	pairThreshold      int
	distributedIPCount int
}

// New creates the detector from per-detector settings.
func New(logger zerolog.Logger, settings map[string]interface{}) *Detector {
	d := &Detector{
		logger:             logger.With().Str("detector", DetectorName).Logger(),
		pairIndex:          make(map[string]map[string]time.Time),
		window:             core.DurationSetting(settings, "window", time.Hour),
		volumeThreshold:    core.IntSetting(settings, "volume_threshold", 50),
		maxSuccessRate:     core.FloatSetting(settings, "max_success_rate", 0.05),
		pairThreshold:      core.IntSetting(settings, "pair_threshold", 20),
		distributedIPCount: core.IntSetting(settings, "distributed_ip_count", 3),
	}
	// The eviction callback keeps the pair index in lockstep with the LRU:
	// an evicted profile must not keep counting toward the distributed
	// threshold until the next retention sweep. Runs with d.mu already held.
	cache, _ := lru.NewWithEvict[string, *profile](maxProfiles, d.dropFromPairIndex)
	d.profiles = cache
	return d
}

func (d *Detector) dropFromPairIndex(ip string, p *profile) {
	for pair := range p.pairs {
		ips := d.pairIndex[pair]
		if ips == nil {
			continue
		}
		delete(ips, ip)
		if len(ips) == 0 {
			delete(d.pairIndex, pair)
		}
	}
}

func (d *Detector) Name() string { return DetectorName }

func (d *Detector) Description() string {
	return "High-volume low-success login streams and credential pairs replayed across IPs"
}

func (d *Detector) Kinds() []core.EventKind {
	return []core.EventKind{core.KindAuthAttempt}
}

func pairKey(username, fingerprint string) string {
	return username + "|" + fingerprint
}

// Evaluate records the attempt, updates the pair index, and scores.
func (d *Detector) Evaluate(event *core.Event) []*core.Violation {
	auth := event.Auth
	if auth == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, pair := d.record(event)
	return d.score(p, pair, event)
}

// Observe records the attempt and maintains the pair index without scoring.
func (d *Detector) Observe(event *core.Event) {
	if event.Auth == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(event)
}

func (d *Detector) record(event *core.Event) (*profile, string) {
	auth := event.Auth

	p, ok := d.profiles.Get(event.SourceIP)
	if !ok {
		p = &profile{
			firstSeen: event.Timestamp,
			lastSeen:  event.Timestamp,
			pairs:     make(map[string]struct{}),
		}
		d.profiles.Add(event.SourceIP, p)
	}

	pair := pairKey(auth.Username, auth.PasswordFingerprint)
	p.attempts = append(p.attempts, attempt{
		At:        event.Timestamp,
		Pair:      pair,
		Succeeded: auth.Succeeded,
	})
	p.lastSeen = event.Timestamp
	p.total++
	if auth.Succeeded {
		p.succeeded++
	}
	p.pairs[pair] = struct{}{}

	ips, ok := d.pairIndex[pair]
	if !ok {
		ips = make(map[string]time.Time)
		d.pairIndex[pair] = ips
	}
	ips[event.SourceIP] = event.Timestamp

	return p, pair
}

func (d *Detector) score(p *profile, pair string, event *core.Event) []*core.Violation {
	var violations []*core.Violation

	cutoff := event.Timestamp.Add(-d.window)
	recent := 0
	for i := len(p.attempts) - 1; i >= 0; i-- {
		if p.attempts[i].At.Before(cutoff) {
			break
		}
		recent++
	}

	// The volume condition counts attempts inside the window; the rate gate
	// uses the running success rate over everything tracked for this IP, so
	// a normally-successful client burst does not look like a campaign.
	if recent >= d.volumeThreshold {
		successRate := float64(p.succeeded) / float64(p.total)
		if successRate <= d.maxSuccessRate {
			v := core.NewViolation(DetectorName, "credential_stuffing_volume", core.SeverityCritical,
				fmt.Sprintf("IP %s made %d login attempts in the last %s with %.1f%% overall success rate",
					event.SourceIP, recent, d.window, successRate*100)).FromEvent(event)
			v.Details["recent_attempts"] = recent
			v.Details["success_rate"] = successRate
			v.Details["window"] = d.window.String()
			violations = append(violations, v)
		}
	}

	if len(p.pairs) >= d.pairThreshold {
		v := core.NewViolation(DetectorName, "credential_stuffing_breach_data", core.SeverityHigh,
			fmt.Sprintf("IP %s has tried %d distinct credential pairs, consistent with breach-list replay",
				event.SourceIP, len(p.pairs))).FromEvent(event)
		v.Details["distinct_pairs"] = len(p.pairs)
		violations = append(violations, v)
	}

	if ips := d.pairIndex[pair]; len(ips) >= d.distributedIPCount {
		related := make([]string, 0, len(ips))
		for ip := range ips {
			related = append(related, ip)
		}
		sort.Strings(related)
		d.logger.Warn().
			Str("username", event.Auth.Username).
			Int("related_ips", len(related)).
			Msg("credential pair replayed across IPs")
		v := core.NewViolation(DetectorName, "credential_stuffing_distributed", core.SeverityCritical,
			fmt.Sprintf("credential pair for user %q tried from %d distinct IPs",
				event.Auth.Username, len(related))).FromEvent(event)
		v.Details["username"] = event.Auth.Username
		v.Details["related_ips"] = related
		v.Details["coordination"] = math.Min(float64(len(related))/10.0, 1.0)
		violations = append(violations, v)
	}

	return violations
}

// PruneBefore removes idle profiles and stale pair-index entries. Called
// only by the retention scheduler.
func (d *Detector) PruneBefore(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for _, ip := range d.profiles.Keys() {
		p, ok := d.profiles.Get(ip)
		if !ok {
			continue
		}
		if p.lastSeen.Before(cutoff) {
			d.profiles.Remove(ip)
			removed++
			continue
		}
		trimmed := p.attempts[:0:0]
		for _, a := range p.attempts {
			if !a.At.Before(cutoff) {
				trimmed = append(trimmed, a)
			}
		}
		p.attempts = trimmed
	}

	for pair, ips := range d.pairIndex {
		for ip, last := range ips {
			if last.Before(cutoff) {
				delete(ips, ip)
				removed++
			}
		}
		if len(ips) == 0 {
			delete(d.pairIndex, pair)
		}
	}
	return removed
}

// Stats returns tracking counters.
func (d *Detector) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"tracked_ips":   d.profiles.Len(),
		"tracked_pairs": len(d.pairIndex),
	}
}

// ExportedProfile is the forensic-dump shape of one per-IP profile.
type ExportedProfile struct {
	SourceIP  string    `json:"source_ip"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Pairs     int       `json:"distinct_pairs"`
	Attempts  []attempt `json:"attempts"`
}

// ExportState dumps all per-IP profiles.
func (d *Detector) ExportState() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ExportedProfile, 0, d.profiles.Len())
	for _, ip := range d.profiles.Keys() {
		p, ok := d.profiles.Get(ip)
		if !ok {
			continue
		}
		out = append(out, ExportedProfile{
			SourceIP:  ip,
			FirstSeen: p.firstSeen,
			LastSeen:  p.lastSeen,
			Total:     p.total,
			Succeeded: p.succeeded,
			Pairs:     len(p.pairs),
			Attempts:  append([]attempt(nil), p.attempts...),
		})
	}
	return out
}
