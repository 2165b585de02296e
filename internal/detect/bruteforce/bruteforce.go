// Package bruteforce detects repeated failed logins from a single source
// IP with a sliding-window state machine and a temporary lockout.
package bruteforce

import (
	"fmt"
	"sync"
	"time"

	"github.com/aegisd-project/aegisd/internal/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const DetectorName = "brute_force"

// maxProfiles caps the LRU alongside the retention sweep.
const maxProfiles = 50000

type lockState int

const (
	stateNormal lockState = iota
	stateBlocked
)

func (s lockState) String() string {
	if s == stateBlocked {
		return "blocked"
	}
	return "normal"
}

type attempt struct {
	At          time.Time `json:"at"`
	Username    string    `json:"username"`
	Fingerprint string    `json:"fingerprint"`
	Succeeded   bool      `json:"succeeded"`
}

// profile is the per-source-IP state. Created on first attempt, destroyed
// only by the retention sweep.
type profile struct {
	attempts       []attempt
	firstAttemptAt time.Time
	lastSeen       time.Time
	total          int
	failed         int
	succeeded      int
	usernames      map[string]struct{}
	fingerprints   map[string]struct{}
	state          lockState
	blockedUntil   time.Time
}

// Detector is the brute-force detector.
type Detector struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	profiles *lru.Cache[string, *profile]

	window               time.Duration
	failureThreshold     int
	usernameThreshold    int
	fingerprintThreshold int
	lockoutDuration      time.Duration
}

// New creates the detector from per-detector settings.
func New(logger zerolog.Logger, settings map[string]interface{}) *Detector {
	cache, _ := lru.New[string, *profile](maxProfiles)
	return &Detector{
		logger:               logger.With().Str("detector", DetectorName).Logger(),
		profiles:             cache,
		window:               core.DurationSetting(settings, "window", 15*time.Minute),
		failureThreshold:     core.IntSetting(settings, "failure_threshold", 10),
		usernameThreshold:    core.IntSetting(settings, "username_threshold", 3),
		fingerprintThreshold: core.IntSetting(settings, "fingerprint_threshold", 10),
		lockoutDuration:      core.DurationSetting(settings, "lockout_duration", time.Hour),
	}
}

func (d *Detector) Name() string { return DetectorName }

func (d *Detector) Description() string {
	return "Repeated failed logins per source IP with sliding-window lockout"
}

func (d *Detector) Kinds() []core.EventKind {
	return []core.EventKind{core.KindAuthAttempt}
}

// Evaluate records the attempt and scores it. While an IP is blocked,
// further attempts are rejected without re-scoring and without counter
// updates; the block clears lazily once its deadline passes.
func (d *Detector) Evaluate(event *core.Event) []*core.Violation {
	auth := event.Auth
	if auth == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.getOrCreate(event.SourceIP, event.Timestamp)

	if p.state == stateBlocked {
		if event.Timestamp.Before(p.blockedUntil) {
			p.lastSeen = event.Timestamp
			v := core.NewViolation(DetectorName, "brute_force_blocked", core.SeverityHigh,
				fmt.Sprintf("IP %s attempted login while blocked until %s",
					event.SourceIP, p.blockedUntil.Format(time.RFC3339))).FromEvent(event)
			v.Details["blocked_until"] = p.blockedUntil
			v.Details["username"] = auth.Username
			return []*core.Violation{v}
		}
		p.state = stateNormal
		p.blockedUntil = time.Time{}
	}

	d.record(p, event)
	return d.score(p, event)
}

// Observe records the attempt without scoring.
func (d *Detector) Observe(event *core.Event) {
	if event.Auth == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.getOrCreate(event.SourceIP, event.Timestamp)
	d.record(p, event)
}

func (d *Detector) getOrCreate(ip string, ts time.Time) *profile {
	p, ok := d.profiles.Get(ip)
	if !ok {
		p = &profile{
			firstAttemptAt: ts,
			lastSeen:       ts,
			usernames:      make(map[string]struct{}),
			fingerprints:   make(map[string]struct{}),
		}
		d.profiles.Add(ip, p)
	}
	return p
}

func (d *Detector) record(p *profile, event *core.Event) {
	auth := event.Auth
	p.attempts = append(p.attempts, attempt{
		At:          event.Timestamp,
		Username:    auth.Username,
		Fingerprint: auth.PasswordFingerprint,
		Succeeded:   auth.Succeeded,
	})
	p.lastSeen = event.Timestamp
	p.total++
	if auth.Succeeded {
		p.succeeded++
	} else {
		p.failed++
	}
	if auth.Username != "" {
		p.usernames[auth.Username] = struct{}{}
	}
	if auth.PasswordFingerprint != "" {
		p.fingerprints[auth.PasswordFingerprint] = struct{}{}
	}
}

func (d *Detector) score(p *profile, event *core.Event) []*core.Violation {
	var violations []*core.Violation

	cutoff := event.Timestamp.Add(-d.window)
	recentFailures := 0
	for i := len(p.attempts) - 1; i >= 0; i-- {
		if p.attempts[i].At.Before(cutoff) {
			break
		}
		if !p.attempts[i].Succeeded {
			recentFailures++
		}
	}

	if recentFailures >= d.failureThreshold {
		p.state = stateBlocked
		p.blockedUntil = event.Timestamp.Add(d.lockoutDuration)
		d.logger.Warn().
			Str("source_ip", event.SourceIP).
			Int("recent_failures", recentFailures).
			Time("blocked_until", p.blockedUntil).
			Msg("source IP blocked")
		v := core.NewViolation(DetectorName, "brute_force_volume", core.SeverityCritical,
			fmt.Sprintf("IP %s has %d failed login attempts in the last %s; blocked for %s",
				event.SourceIP, recentFailures, d.window, d.lockoutDuration)).FromEvent(event)
		v.Details["recent_failures"] = recentFailures
		v.Details["window"] = d.window.String()
		v.Details["blocked_until"] = p.blockedUntil
		violations = append(violations, v)
	}

	if len(p.usernames) >= d.usernameThreshold {
		v := core.NewViolation(DetectorName, "brute_force_multi_target", core.SeverityHigh,
			fmt.Sprintf("IP %s is attempting logins against %d distinct usernames",
				event.SourceIP, len(p.usernames))).FromEvent(event)
		v.Details["distinct_usernames"] = len(p.usernames)
		violations = append(violations, v)
	}

	// Many distinct password fingerprints is a stand-in for systematic
	// password enumeration.
	if len(p.fingerprints) >= d.fingerprintThreshold {
		v := core.NewViolation(DetectorName, "brute_force_pattern", core.SeverityMedium,
			fmt.Sprintf("IP %s has tried %d distinct password variations",
				event.SourceIP, len(p.fingerprints))).FromEvent(event)
		v.Details["distinct_fingerprints"] = len(p.fingerprints)
		violations = append(violations, v)
	}

	return violations
}

// PruneBefore removes profiles idle since the cutoff and trims surviving
// attempt lists. Called only by the retention scheduler.
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
	return removed
}

// Stats returns tracking counters.
func (d *Detector) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	blocked := 0
	for _, ip := range d.profiles.Keys() {
		if p, ok := d.profiles.Get(ip); ok && p.state == stateBlocked {
			blocked++
		}
	}
	return map[string]interface{}{
		"tracked_ips": d.profiles.Len(),
		"blocked_ips": blocked,
	}
}

// ExportedProfile is the forensic-dump shape of one per-IP profile.
type ExportedProfile struct {
	SourceIP       string    `json:"source_ip"`
	FirstAttemptAt time.Time `json:"first_attempt_at"`
	LastSeen       time.Time `json:"last_seen"`
	Total          int       `json:"total"`
	Failed         int       `json:"failed"`
	Succeeded      int       `json:"succeeded"`
	Usernames      int       `json:"distinct_usernames"`
	Fingerprints   int       `json:"distinct_fingerprints"`
	State          string    `json:"state"`
	BlockedUntil   time.Time `json:"blocked_until,omitempty"`
	Attempts       []attempt `json:"attempts"`
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
			SourceIP:       ip,
			FirstAttemptAt: p.firstAttemptAt,
			LastSeen:       p.lastSeen,
			Total:          p.total,
			Failed:         p.failed,
			Succeeded:      p.succeeded,
			Usernames:      len(p.usernames),
			Fingerprints:   len(p.fingerprints),
			State:          p.state.String(),
			BlockedUntil:   p.blockedUntil,
			Attempts:       append([]attempt(nil), p.attempts...),
		})
	}
	return out
}
