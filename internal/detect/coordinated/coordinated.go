// Package coordinated correlates reported attack events into campaign
// clusters and scores them for multi-IP spread, multi-tenant spread,
// timing synchronization, and signature similarity.
package coordinated

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DetectorName = "coordinated_attack"

type clusterEvent struct {
	At        time.Time             `json:"at"`
	Signature *core.AttackSignature `json:"signature,omitempty"`
}

// cluster aggregates all attack events believed to belong to one campaign.
type cluster struct {
	id            string
	attackType    string
	sourceIPs     map[string]struct{}
	targetTenants map[string]struct{}
	events        []clusterEvent
	firstSeen     time.Time
	lastSeen      time.Time
}

// Detector owns the campaign clusters. Reports are resolved to a cluster
// by an exact participant digest first, then by attack type plus overlap
// in participants or targets, so a campaign drifting across IPs still
// lands in one cluster.
type Detector struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	clusters map[string]*cluster
	byDigest map[string]string

	ipThreshold         int
	tenantThreshold     int
	syncMinEvents       int
	syncVarianceRatio   float64
	similarityThreshold float64
}

// New creates the detector from per-detector settings.
func New(logger zerolog.Logger, settings map[string]interface{}) *Detector {
	return &Detector{
		logger:              logger.With().Str("detector", DetectorName).Logger(),
		clusters:            make(map[string]*cluster),
		byDigest:            make(map[string]string),
		ipThreshold:         core.IntSetting(settings, "ip_threshold", 3),
		tenantThreshold:     core.IntSetting(settings, "tenant_threshold", 5),
		syncMinEvents:       core.IntSetting(settings, "sync_min_events", 3),
		syncVarianceRatio:   core.FloatSetting(settings, "sync_variance_ratio", 0.1),
		similarityThreshold: core.FloatSetting(settings, "similarity_threshold", 0.7),
	}
}

func (d *Detector) Name() string { return DetectorName }

func (d *Detector) Description() string {
	return "Clusters attack reports into campaigns and scores coordination"
}

func (d *Detector) Kinds() []core.EventKind {
	return []core.EventKind{core.KindAttackReport}
}

// Evaluate merges the report into its cluster and runs all threshold
// checks; each is independently emittable.
func (d *Detector) Evaluate(event *core.Event) []*core.Violation {
	report := event.Attack
	if report == nil || report.AttackType == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.merge(report, event)
	return d.score(c, event)
}

// Observe merges the report into its cluster without scoring.
func (d *Detector) Observe(event *core.Event) {
	report := event.Attack
	if report == nil || report.AttackType == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.merge(report, event)
}

// participantDigest hashes the attack type plus the sorted participant and
// target sets of one report.
func participantDigest(report *core.AttackReport) string {
	ips := append([]string(nil), report.SourceIPs...)
	tenants := append([]string(nil), report.TargetTenants...)
	sort.Strings(ips)
	sort.Strings(tenants)

	h := sha256.New()
	h.Write([]byte(report.AttackType))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(ips, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(tenants, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Detector) merge(report *core.AttackReport, event *core.Event) *cluster {
	digest := participantDigest(report)

	c := d.resolve(digest, report)
	if c == nil {
		c = &cluster{
			id:            uuid.New().String(),
			attackType:    report.AttackType,
			sourceIPs:     make(map[string]struct{}),
			targetTenants: make(map[string]struct{}),
			firstSeen:     event.Timestamp,
		}
		d.clusters[c.id] = c
		d.logger.Info().
			Str("cluster_id", c.id).
			Str("attack_type", c.attackType).
			Msg("new attack cluster")
	}
	d.byDigest[digest] = c.id

	for _, ip := range report.SourceIPs {
		c.sourceIPs[ip] = struct{}{}
	}
	if event.SourceIP != "" {
		c.sourceIPs[event.SourceIP] = struct{}{}
	}
	for _, t := range report.TargetTenants {
		c.targetTenants[t] = struct{}{}
	}
	if event.TenantID != "" {
		c.targetTenants[event.TenantID] = struct{}{}
	}

	ev := clusterEvent{At: event.Timestamp}
	if report.Signature.PayloadBytes != 0 || report.Signature.IntervalMs != 0 || report.Signature.Descriptor != "" {
		sig := report.Signature
		ev.Signature = &sig
	}
	c.events = append(c.events, ev)
	if event.Timestamp.After(c.lastSeen) {
		c.lastSeen = event.Timestamp
	}
	return c
}

func (d *Detector) resolve(digest string, report *core.AttackReport) *cluster {
	if id, ok := d.byDigest[digest]; ok {
		if c, ok := d.clusters[id]; ok {
			return c
		}
	}
	for _, c := range d.clusters {
		if c.attackType != report.AttackType {
			continue
		}
		for _, ip := range report.SourceIPs {
			if _, ok := c.sourceIPs[ip]; ok {
				return c
			}
		}
		for _, t := range report.TargetTenants {
			if _, ok := c.targetTenants[t]; ok {
				return c
			}
		}
	}
	return nil
}

// coordinationLevel scores how likely the cluster is one orchestrated
// campaign, in [0,1]: IP spread, tenant spread, and event rate.
func (c *cluster) coordinationLevel() float64 {
	ipScore := math.Min(float64(len(c.sourceIPs))/10.0, 1.0)
	tenantScore := math.Min(float64(len(c.targetTenants))/5.0, 1.0)

	minutes := c.lastSeen.Sub(c.firstSeen).Minutes()
	if minutes <= 0 {
		// All events in one instant still count as one minute of activity.
		minutes = 1
	}
	rateScore := math.Min(float64(len(c.events))/minutes/10.0, 1.0)

	return 0.3*ipScore + 0.3*tenantScore + 0.4*rateScore
}

func threatLevel(coordination float64) string {
	switch {
	case coordination < 0.25:
		return "low"
	case coordination < 0.5:
		return "medium"
	case coordination < 0.75:
		return "high"
	default:
		return "critical"
	}
}

func (d *Detector) score(c *cluster, event *core.Event) []*core.Violation {
	var violations []*core.Violation

	coordination := c.coordinationLevel()
	base := func(violationType, description string) *core.Violation {
		v := core.NewViolation(DetectorName, violationType, core.SeverityCritical, description).FromEvent(event)
		v.Details["cluster_id"] = c.id
		v.Details["attack_type"] = c.attackType
		v.Details["coordination_level"] = coordination
		v.Details["threat_level"] = threatLevel(coordination)
		v.Details["source_ips"] = sortedKeys(c.sourceIPs)
		v.Details["target_tenants"] = sortedKeys(c.targetTenants)
		return v
	}

	if len(c.sourceIPs) >= d.ipThreshold {
		violations = append(violations, base("coordinated_multi_ip_attack",
			fmt.Sprintf("%s campaign spans %d source IPs", c.attackType, len(c.sourceIPs))))
	}

	if len(c.targetTenants) >= d.tenantThreshold {
		violations = append(violations, base("coordinated_multi_tenant_attack",
			fmt.Sprintf("%s campaign targets %d tenants", c.attackType, len(c.targetTenants))))
	}

	if mean, variance, ok := c.intervalStats(); ok && len(c.events) >= d.syncMinEvents &&
		variance < d.syncVarianceRatio*mean {
		v := base("synchronized_coordinated_attack",
			fmt.Sprintf("%s campaign shows near-constant %.1fs event spacing", c.attackType, mean))
		v.Details["interval_mean_seconds"] = mean
		v.Details["interval_variance"] = variance
		violations = append(violations, v)
	}

	if similarity, ok := c.signatureSimilarity(); ok && similarity > d.similarityThreshold {
		v := base("botnet_coordinated_attack",
			fmt.Sprintf("%s campaign events carry near-identical signatures (%.2f similarity)",
				c.attackType, similarity))
		v.Details["signature_similarity"] = similarity
		violations = append(violations, v)
	}

	return violations
}

// intervalStats returns the mean and variance of inter-event intervals in
// seconds. ok is false with fewer than two events; the configured minimum
// event count is enforced by the caller.
func (c *cluster) intervalStats() (mean, variance float64, ok bool) {
	if len(c.events) < 2 {
		return 0, 0, false
	}
	times := make([]time.Time, len(c.events))
	for i, ev := range c.events {
		times[i] = ev.At
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, times[i].Sub(times[i-1]).Seconds())
	}

	for _, iv := range intervals {
		mean += iv
	}
	mean /= float64(len(intervals))
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))
	return mean, variance, true
}

// signatureSimilarity averages pairwise similarity over all event
// signatures. ok is false with fewer than two signatures.
func (c *cluster) signatureSimilarity() (float64, bool) {
	var sigs []*core.AttackSignature
	for _, ev := range c.events {
		if ev.Signature != nil {
			sigs = append(sigs, ev.Signature)
		}
	}
	if len(sigs) < 2 {
		return 0, false
	}

	total, pairs := 0.0, 0
	for i := 0; i < len(sigs); i++ {
		for j := i + 1; j < len(sigs); j++ {
			total += similarity(sigs[i], sigs[j])
			pairs++
		}
	}
	return total / float64(pairs), true
}

// similarity scores two signatures in [0,1], weighting payload-size
// closeness over timing closeness.
func similarity(a, b *core.AttackSignature) float64 {
	sizeScore := closeness(float64(a.PayloadBytes), float64(b.PayloadBytes))
	timingScore := closeness(a.IntervalMs, b.IntervalMs)
	return 0.6*sizeScore + 0.4*timingScore
}

func closeness(a, b float64) float64 {
	maxVal := math.Max(math.Abs(a), math.Abs(b))
	if maxVal == 0 {
		return 1
	}
	return 1 - math.Abs(a-b)/maxVal
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PruneBefore removes clusters idle since the cutoff and their digest
// aliases. Called only by the retention scheduler.
func (d *Detector) PruneBefore(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	stale := make(map[string]struct{})
	for id, c := range d.clusters {
		if c.lastSeen.Before(cutoff) {
			delete(d.clusters, id)
			stale[id] = struct{}{}
			removed++
		}
	}
	for digest, id := range d.byDigest {
		if _, gone := stale[id]; gone {
			delete(d.byDigest, digest)
		}
	}
	return removed
}

// Stats returns cluster counters and the threat-level distribution.
func (d *Detector) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	levels := map[string]int{}
	for _, c := range d.clusters {
		levels[threatLevel(c.coordinationLevel())]++
	}
	return map[string]interface{}{
		"tracked_clusters": len(d.clusters),
		"threat_levels":    levels,
	}
}

// ExportedCluster is the forensic-dump shape of one campaign cluster.
type ExportedCluster struct {
	ID                string         `json:"id"`
	AttackType        string         `json:"attack_type"`
	SourceIPs         []string       `json:"source_ips"`
	TargetTenants     []string       `json:"target_tenants"`
	EventCount        int            `json:"event_count"`
	FirstSeen         time.Time      `json:"first_seen"`
	LastSeen          time.Time      `json:"last_seen"`
	CoordinationLevel float64        `json:"coordination_level"`
	ThreatLevel       string         `json:"threat_level"`
	Events            []clusterEvent `json:"events"`
}

// ExportState dumps all campaign clusters.
func (d *Detector) ExportState() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ExportedCluster, 0, len(d.clusters))
	for _, c := range d.clusters {
		coordination := c.coordinationLevel()
		out = append(out, ExportedCluster{
			ID:                c.id,
			AttackType:        c.attackType,
			SourceIPs:         sortedKeys(c.sourceIPs),
			TargetTenants:     sortedKeys(c.targetTenants),
			EventCount:        len(c.events),
			FirstSeen:         c.firstSeen,
			LastSeen:          c.lastSeen,
			CoordinationLevel: coordination,
			ThreatLevel:       threatLevel(coordination),
			Events:            append([]clusterEvent(nil), c.events...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}
