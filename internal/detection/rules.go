package detection

import "github.com/nshruti113/flowguard/internal/models"

// Attack types, in rule precedence order
const (
	AttackPortScan   = "Port Scan"
	AttackDDoS       = "DDoS"
	AttackBruteForce = "Brute Force"
	AttackBot        = "Bot"
	AttackSuspicious = "Suspicious Activity"
)

// Rules holds the thresholds for attack subtype heuristics
type Rules struct {
	PortScanMinPorts        int     `yaml:"port_scan_min_ports"`
	PortScanMaxPktsPerPort  float64 `yaml:"port_scan_max_pkts_per_port"`
	FloodPktsPerSec         float64 `yaml:"flood_pkts_per_sec"`
	FloodBytesPerSec        float64 `yaml:"flood_bytes_per_sec"`
	BruteForceMinSyn        int     `yaml:"brute_force_min_syn"`
	BruteForceMinPktsPerSec float64 `yaml:"brute_force_min_pkts_per_sec"`
	SlowMinDuration         float64 `yaml:"slow_min_duration"`
	SlowMaxPktsPerSec       float64 `yaml:"slow_max_pkts_per_sec"`
}

func DefaultRules() Rules {
	return Rules{
		PortScanMinPorts:        10,
		PortScanMaxPktsPerPort:  5,
		FloodPktsPerSec:         1000,
		FloodBytesPerSec:        1_000_000,
		BruteForceMinSyn:        20,
		BruteForceMinPktsPerSec: 10,
		SlowMinDuration:         10,
		SlowMaxPktsPerSec:       50,
	}
}

// ClassifyAttack names the attack subtype of a positive verdict. Rules are
// evaluated in a fixed order and the first match wins.
func (r Rules) ClassifyAttack(fv models.FeatureVector) string {
	ports := max(fv.UniqueDstPorts, 1)

	switch {
	case fv.UniqueDstPorts > r.PortScanMinPorts &&
		float64(fv.TotalPackets)/float64(ports) < r.PortScanMaxPktsPerPort:
		return AttackPortScan
	case fv.PktsPerSec > r.FloodPktsPerSec || fv.BytesPerSec > r.FloodBytesPerSec:
		return AttackDDoS
	case fv.SynCount > r.BruteForceMinSyn && fv.PktsPerSec > r.BruteForceMinPktsPerSec:
		return AttackBruteForce
	case fv.Duration > r.SlowMinDuration && fv.PktsPerSec < r.SlowMaxPktsPerSec:
		return AttackBot
	default:
		return AttackSuspicious
	}
}

// severity buckets an attack probability
func severity(score float64) string {
	switch {
	case score >= 0.9:
		return "CRITICAL"
	case score >= 0.7:
		return "HIGH"
	case score >= 0.5:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
