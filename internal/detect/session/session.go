// Package session tracks session lifecycles for hijacking and abuse
// signals: IP continuity breaks inside one session, one IP fanning out
// over many sessions and users, and one IP touching many tenants.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/aegisd-project/aegisd/internal/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const DetectorName = "session_tracker"

const (
	maxSessions   = 100000
	maxIPProfiles = 50000
)

type ipChange struct {
	At   time.Time `json:"at"`
	From string    `json:"from"`
	To   string    `json:"to"`
}

type sessionProfile struct {
	userID        string
	tenantID      string
	originIP      string // IP the session was established from, never rewritten
	currentIP     string
	userAgent     string
	firstSeen     time.Time
	lastSeen      time.Time
	activityCount int
	ipHistory     []ipChange
}

type ipProfile struct {
	sessions map[string]struct{}
	users    map[string]struct{}
	tenants  map[string]struct{}
	lastSeen time.Time
}

// Detector keeps two keyed stores: per-session continuity state and a
// per-IP cross-session rollup.
type Detector struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	sessions *lru.Cache[string, *sessionProfile]
	byIP     *lru.Cache[string, *ipProfile]

	sessionThreshold int
	userThreshold    int
	tenantThreshold  int
}

// New creates the detector from per-detector settings.
func New(logger zerolog.Logger, settings map[string]interface{}) *Detector {
	sessions, _ := lru.New[string, *sessionProfile](maxSessions)
	byIP, _ := lru.New[string, *ipProfile](maxIPProfiles)
	return &Detector{
		logger:           logger.With().Str("detector", DetectorName).Logger(),
		sessions:         sessions,
		byIP:             byIP,
		sessionThreshold: core.IntSetting(settings, "session_threshold", 10),
		userThreshold:    core.IntSetting(settings, "user_threshold", 5),
		tenantThreshold:  core.IntSetting(settings, "tenant_threshold", 3),
	}
}

func (d *Detector) Name() string { return DetectorName }

func (d *Detector) Description() string {
	return "Session IP continuity breaks and per-IP session fan-out"
}

func (d *Detector) Kinds() []core.EventKind {
	return []core.EventKind{core.KindSessionActivity}
}

// Evaluate records the activity and scores continuity and fan-out.
func (d *Detector) Evaluate(event *core.Event) []*core.Violation {
	activity := event.Session
	if activity == nil || activity.SessionID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var violations []*core.Violation

	// Continuity is anchored to the IP the session was established from,
	// so every activity off that IP is flagged, not just the first move.
	s, existed := d.sessions.Get(activity.SessionID)
	if existed && s.originIP != event.SourceIP {
		elapsed := event.Timestamp.Sub(s.lastSeen).Seconds()
		agentChanged := activity.UserAgent != "" && s.userAgent != "" &&
			activity.UserAgent != s.userAgent
		d.logger.Warn().
			Str("session_id", activity.SessionID).
			Str("original_ip", s.originIP).
			Str("new_ip", event.SourceIP).
			Msg("session activity off its origin IP")
		v := core.NewViolation(DetectorName, "session_hijacking", core.SeverityCritical,
			fmt.Sprintf("session %s established from IP %s is active from %s",
				activity.SessionID, s.originIP, event.SourceIP)).FromEvent(event)
		v.Details["original_ip"] = s.originIP
		v.Details["previous_ip"] = s.currentIP
		v.Details["new_ip"] = event.SourceIP
		v.Details["user_agent_changed"] = agentChanged
		v.Details["elapsed_seconds"] = elapsed
		violations = append(violations, v)

		if s.currentIP != event.SourceIP {
			s.ipHistory = append(s.ipHistory, ipChange{
				At:   event.Timestamp,
				From: s.currentIP,
				To:   event.SourceIP,
			})
		}
	}

	ip := d.record(s, existed, event)

	if len(ip.sessions) > d.sessionThreshold && len(ip.users) > d.userThreshold {
		v := core.NewViolation(DetectorName, "multi_session_abuse", core.SeverityHigh,
			fmt.Sprintf("IP %s is active across %d sessions and %d users",
				event.SourceIP, len(ip.sessions), len(ip.users))).FromEvent(event)
		v.Details["session_count"] = len(ip.sessions)
		v.Details["user_count"] = len(ip.users)
		violations = append(violations, v)
	}

	if len(ip.tenants) > d.tenantThreshold {
		v := core.NewViolation(DetectorName, "cross_tenant_session_pattern", core.SeverityMedium,
			fmt.Sprintf("IP %s has session activity in %d tenants",
				event.SourceIP, len(ip.tenants))).FromEvent(event)
		v.Details["tenant_count"] = len(ip.tenants)
		violations = append(violations, v)
	}

	return violations
}

// Observe records the activity without scoring.
func (d *Detector) Observe(event *core.Event) {
	activity := event.Session
	if activity == nil || activity.SessionID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, existed := d.sessions.Get(activity.SessionID)
	d.record(s, existed, event)
}

func (d *Detector) record(s *sessionProfile, existed bool, event *core.Event) *ipProfile {
	activity := event.Session

	if !existed {
		s = &sessionProfile{firstSeen: event.Timestamp, originIP: event.SourceIP}
		d.sessions.Add(activity.SessionID, s)
	}
	s.currentIP = event.SourceIP
	if activity.UserAgent != "" {
		s.userAgent = activity.UserAgent
	}
	if activity.UserID != "" {
		s.userID = activity.UserID
	}
	if event.TenantID != "" {
		s.tenantID = event.TenantID
	}
	s.lastSeen = event.Timestamp
	s.activityCount++

	ip, ok := d.byIP.Get(event.SourceIP)
	if !ok {
		ip = &ipProfile{
			sessions: make(map[string]struct{}),
			users:    make(map[string]struct{}),
			tenants:  make(map[string]struct{}),
		}
		d.byIP.Add(event.SourceIP, ip)
	}
	ip.sessions[activity.SessionID] = struct{}{}
	if activity.UserID != "" {
		ip.users[activity.UserID] = struct{}{}
	}
	if event.TenantID != "" {
		ip.tenants[event.TenantID] = struct{}{}
	}
	ip.lastSeen = event.Timestamp

	return ip
}

// PruneBefore removes sessions and IP rollups idle since the cutoff.
// Called only by the retention scheduler.
func (d *Detector) PruneBefore(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for _, id := range d.sessions.Keys() {
		if s, ok := d.sessions.Get(id); ok && s.lastSeen.Before(cutoff) {
			d.sessions.Remove(id)
			removed++
		}
	}
	for _, addr := range d.byIP.Keys() {
		if p, ok := d.byIP.Get(addr); ok && p.lastSeen.Before(cutoff) {
			d.byIP.Remove(addr)
			removed++
		}
	}
	return removed
}

// Stats returns tracking counters.
func (d *Detector) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"tracked_sessions": d.sessions.Len(),
		"tracked_ips":      d.byIP.Len(),
	}
}

// ExportedSession is the forensic-dump shape of one session profile.
type ExportedSession struct {
	SessionID     string     `json:"session_id"`
	UserID        string     `json:"user_id,omitempty"`
	TenantID      string     `json:"tenant_id,omitempty"`
	OriginIP      string     `json:"origin_ip"`
	CurrentIP     string     `json:"current_ip"`
	UserAgent     string     `json:"user_agent,omitempty"`
	FirstSeen     time.Time  `json:"first_seen"`
	LastSeen      time.Time  `json:"last_seen"`
	ActivityCount int        `json:"activity_count"`
	IPHistory     []ipChange `json:"ip_history,omitempty"`
}

// ExportState dumps all session profiles.
func (d *Detector) ExportState() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ExportedSession, 0, d.sessions.Len())
	for _, id := range d.sessions.Keys() {
		s, ok := d.sessions.Get(id)
		if !ok {
			continue
		}
		out = append(out, ExportedSession{
			SessionID:     id,
			UserID:        s.userID,
			TenantID:      s.tenantID,
			OriginIP:      s.originIP,
			CurrentIP:     s.currentIP,
			UserAgent:     s.userAgent,
			FirstSeen:     s.firstSeen,
			LastSeen:      s.lastSeen,
			ActivityCount: s.activityCount,
			IPHistory:     append([]ipChange(nil), s.ipHistory...),
		})
	}
	return out
}
